// roomsync CLI - command line client for a roomsync server
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/eldtechnologies/roomsync/clients/go/roomsync"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("ROOMSYNC_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := roomsync.NewClient(baseURL)
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "stats":
		resp, err := client.Stats()
		exitOnError(err)
		printJSON(resp)

	case "rooms":
		query := ""
		if len(os.Args) > 2 {
			query = os.Args[2]
		}
		resp, err := client.ListRooms(query)
		exitOnError(err)
		for _, r := range resp.Rooms {
			fmt.Printf("  %s  %s (%d msgs)\n", r.ID, r.Name, r.MessageCount)
		}

	case "create":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: roomsync create <name>")
			os.Exit(1)
		}
		resp, err := client.CreateRoom(strings.Join(os.Args[2:], " "))
		exitOnError(err)
		fmt.Printf("Created: %s\n", resp.ID)

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: roomsync read <room_id> [since]")
			os.Exit(1)
		}
		var since int64
		if len(os.Args) > 3 {
			n, err := strconv.ParseInt(os.Args[3], 10, 64)
			exitOnError(err)
			since = n
		}
		resp, err := client.GetMessages(os.Args[2], since)
		exitOnError(err)
		fmt.Printf("# %s\n", resp.Room.Name)
		for _, msg := range resp.Messages {
			printMessage(msg)
		}

	case "post":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: roomsync post <room_id> <message>")
			os.Exit(1)
		}
		resp, err := client.PostMessage(os.Args[2], author(), roomsync.Draft{Text: strings.Join(os.Args[3:], " ")})
		exitOnError(err)
		fmt.Printf("Posted: #%d %s\n", resp.OrderKey, resp.ID)

	case "image":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: roomsync image <room_id> <file> [caption]")
			os.Exit(1)
		}
		dataURL, err := roomsync.ImageDataURL(os.Args[3])
		exitOnError(err)
		draft := roomsync.Draft{Image: dataURL, Text: strings.Join(os.Args[4:], " ")}
		resp, err := client.PostMessage(os.Args[2], author(), draft)
		exitOnError(err)
		fmt.Printf("Posted: #%d %s\n", resp.OrderKey, resp.ID)

	case "join":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: roomsync join <room_id>")
			os.Exit(1)
		}
		exitOnError(join(client, os.Args[2], author()))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// join streams a room to stdout and sends each stdin line as a message.
func join(client *roomsync.Client, roomID, name string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := client.Join(ctx, roomID, name)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("# %s (as %s)\n", s.Room.Name, name)
	for _, msg := range s.Snapshot {
		printMessage(msg)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		n := 0
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			n++
			if err := s.Send(strconv.Itoa(n), roomsync.Draft{Text: line}); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
				stop()
				return
			}
		}
	}()

	frames := make(chan *roomsync.Frame)
	errs := make(chan error, 1)
	go func() {
		for {
			f, err := s.Next()
			if err != nil {
				errs <- err
				return
			}
			frames <- f
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if err == roomsync.ErrStreamClosed {
				return nil
			}
			return err
		case f := <-frames:
			switch f.Type {
			case "message":
				printMessage(*f.Message)
			case "error":
				fmt.Fprintf(os.Stderr, "! send %s failed (%s): %s\n", f.Ref, f.Code, f.Error)
			}
		}
	}
}

func author() string {
	if name := os.Getenv("ROOMSYNC_NAME"); name != "" {
		return name
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "anonymous"
}

func printMessage(msg roomsync.Message) {
	ts := msg.CreatedAt.Local().Format(time.DateTime)
	if msg.ReplyTo != nil {
		fmt.Printf("  ↳ %s: %s\n", msg.ReplyTo.Author, msg.ReplyTo.Text)
	}
	body := msg.Text
	if msg.Image != "" {
		body = strings.TrimSpace("[image] " + body)
	}
	fmt.Printf("#%d [%s] %s: %s\n", msg.OrderKey, ts, msg.Author, body)
}

func usage() {
	fmt.Println(`roomsync CLI - chat room client

Usage: roomsync <command> [options]

Commands:
  rooms [query]                 List rooms, optionally by name
  create <name>                 Create a room
  read <room> [since]           Read messages after an order key
  post <room> <message>         Post a text message
  image <room> <file> [caption] Post an image
  join <room>                   Follow a room live, sending stdin lines
  stats                         Show server statistics
  health                        Check server health

Environment:
  ROOMSYNC_URL    Server URL (default: http://localhost:8080)
  ROOMSYNC_NAME   Display name (default: $USER)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

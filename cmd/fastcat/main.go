// Package main implements fastcat, a small development CLI for inspecting
// the fast protocol wire format: encode JSON lines into framed bytes, or
// decode framed bytes back into human-readable JSON lines.
// file: cmd/fastcat/main.go
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"

	"github.com/fastproto/fastrpc/internal/message"
	"github.com/fastproto/fastrpc/internal/wire"
)

// Version is populated at build time via ldflags.
var Version = "0.1.0-dev"

func main() {
	log.SetFlags(0)
	log.SetPrefix("[fastcat] ")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "encode":
		runEncode(os.Args[2:])
	case "decode":
		runDecode(os.Args[2:])
	case "-v", "--version":
		fmt.Printf("fastcat %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	log.Println("Usage:")
	log.Println("  fastcat encode [options]  - read one JSON message per stdin line, write framed bytes to stdout")
	log.Println("  fastcat decode [options]  - read framed bytes from stdin, write one JSON message per stdout line")
	log.Println("\nRun 'fastcat <command> -h' for its options.")
}

// jsonMessage is the fastcat line format: a msgid/status/data triple that
// mirors message.Message, kept separate so json tags don't leak onto the
// protocol's own Message type.
type jsonMessage struct {
	Msgid  uint32      `json:"msgid"`
	Status string      `json:"status"`
	Name   string      `json:"name,omitempty"`
	Data   interface{} `json:"data"`
}

func runEncode(args []string) {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	crcFlag := fs.String("crc", "old_new", "CRC mode: old, new, or old_new.")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("encode: failed to parse flags: %v", err)
	}
	mode, ok := wire.ParseCRCMode(*crcFlag)
	if !ok {
		log.Fatalf("encode: unrecognized CRC mode %q", *crcFlag)
	}

	enc := wire.NewEncoder(mode)
	red := color.New(color.FgRed)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var jm jsonMessage
		if err := json.Unmarshal([]byte(line), &jm); err != nil {
			red.Fprintf(os.Stderr, "fastcat: skipping unparsable line: %v\n", err)
			continue
		}
		status, ok := parseStatus(jm.Status)
		if !ok {
			red.Fprintf(os.Stderr, "fastcat: unrecognized status %q, skipping\n", jm.Status)
			continue
		}
		m := message.Message{
			Msgid:  jm.Msgid,
			Status: status,
			Data:   message.Data{M: message.Meta{Name: jm.Name}, D: jm.Data},
		}
		frame, err := enc.Encode(m)
		if err != nil {
			red.Fprintf(os.Stderr, "fastcat: encode failed: %v\n", err)
			continue
		}
		if _, err := out.Write(frame); err != nil {
			log.Fatalf("encode: write: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("encode: reading stdin: %v", err)
	}
}

func runDecode(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	crcFlag := fs.String("crc", "old_new", "CRC mode: old, new, or old_new.")
	maxDataLen := fs.Uint("max-data-len", 0, "Reject frames whose payload exceeds this many bytes (0 = the 16 MiB default).")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("decode: failed to parse flags: %v", err)
	}
	mode, ok := wire.ParseCRCMode(*crcFlag)
	if !ok {
		log.Fatalf("decode: unrecognized CRC mode %q", *crcFlag)
	}

	dec := wire.NewDecoder(mode, uint32(*maxDataLen))
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			msgs, decErr := dec.Feed(buf[:n])
			for _, m := range msgs {
				printMessage(out, green, m)
			}
			if decErr != nil {
				red.Fprintf(os.Stderr, "fastcat: decode failure: %v\n", decErr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Fatalf("decode: reading stdin: %v", err)
			}
			return
		}
	}
}

func printMessage(out *bufio.Writer, statusColor *color.Color, m message.Message) {
	jm := jsonMessage{Msgid: m.Msgid, Status: m.Status.String(), Name: m.Data.M.Name, Data: m.Data.D}
	b, err := json.Marshal(jm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fastcat: failed to marshal decoded message: %v\n", err)
		return
	}
	statusColor.Fprintf(out, "%s\n", b)
}

func parseStatus(s string) (message.Status, bool) {
	switch s {
	case "DATA", "data":
		return message.StatusData, true
	case "END", "end":
		return message.StatusEnd, true
	case "ERROR", "error":
		return message.StatusError, true
	default:
		return 0, false
	}
}

// Package main provides the matstool CLI for inspecting wire artifacts.
//
// It reads bytes from stdin, decodes them with the JSON serializer, and
// writes the result to stdout. Designed for piping DLQ dumps and persisted
// stashes through during diagnosis.
//
// Usage:
//
//	# Decode a serialized envelope (meta tag as argument)
//	matstool envelope json:v1:gzip < envelope.bin
//
//	# Decode a stash blob: header fields plus the embedded envelope
//	matstool stash < stash.bin
//
//	# Print version
//	matstool version
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/staale/gomats/serial"
)

const (
	cmdEnvelope = "envelope"
	cmdStash    = "stash"
	cmdVersion  = "version"
)

// Version information
const Version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case cmdEnvelope:
		if len(os.Args) < 3 {
			err = fmt.Errorf("envelope requires the meta tag argument")
			break
		}
		err = decodeEnvelope(os.Args[2])
	case cmdStash:
		err = decodeStash()
	case cmdVersion:
		fmt.Printf("matstool %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `usage: matstool <command>

commands:
  envelope <meta>  decode a serialized envelope from stdin
  stash            decode a stash blob from stdin
  version          print version
`)
}

func decodeEnvelope(meta string) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	ser := serial.NewJSONSerializer()
	trace, err := ser.DeserializeEnvelope(data, meta)
	if err != nil {
		return err
	}
	return printJSON(trace)
}

// decodeStash re-implements the stash header walk: the layout is part of the
// public wire contract, so the tool does not need the engine for it.
func decodeStash() error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	if len(data) < 10 || string(data[0:4]) != "MATS" {
		return fmt.Errorf("not a stash: missing MATS magic")
	}
	codec := string(data[4:8])
	version := data[8]
	fieldCount := int(data[9])

	rest := data[10:]
	fields := make([]string, 0, fieldCount)
	for i := 0; i < fieldCount; i++ {
		idx := bytes.IndexByte(rest, 0)
		if idx < 0 {
			return fmt.Errorf("truncated stash field %d", i)
		}
		fields = append(fields, string(rest[:idx]))
		rest = rest[idx+1:]
	}
	if len(fields) < 5 {
		return fmt.Errorf("stash has %d fields, expected 5", len(fields))
	}

	header := map[string]any{
		"codec":             codec,
		"version":           version,
		"endpoint_id":       fields[0],
		"stage_id":          fields[1],
		"next_stage_id":     fields[2],
		"serializer_meta":   fields[3],
		"system_message_id": fields[4],
	}
	if err := printJSON(header); err != nil {
		return err
	}

	ser := serial.NewJSONSerializer()
	if codec != ser.ID() {
		fmt.Fprintf(os.Stderr, "envelope written by codec '%s'; cannot decode\n", codec)
		return nil
	}
	trace, err := ser.DeserializeEnvelope(rest, fields[3])
	if err != nil {
		return err
	}
	return printJSON(trace)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

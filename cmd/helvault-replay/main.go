// Command helvault-replay records one live response per configured source
// to disk, and serves recordings back for replay-based integration testing,
// grounded on original_source/src/replay.rs's record/replay split.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/ocx/helvault/internal/auth"
	"github.com/ocx/helvault/internal/circuit"
	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/httpengine"
	"github.com/ocx/helvault/internal/ratelimit"
	"github.com/ocx/helvault/internal/replay"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "record":
		err = runRecord(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("helvault-replay: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: helvault-replay record --config PATH --dir DIR [--source ID]")
	fmt.Fprintln(os.Stderr, "       helvault-replay serve --dir DIR --addr HOST:PORT")
}

// runRecord fetches one response per configured source (or a single named
// source) and saves it under --dir, for later playback with "serve".
func runRecord(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "helvault.yaml", "path to the helvault config file")
	dir := fs.String("dir", "./recordings", "directory to write recordings into")
	only := fs.String("source", "", "record only this source ID (default: all sources)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rec, err := replay.NewRecorder(*dir)
	if err != nil {
		return err
	}

	engine := &httpengine.Engine{
		Breakers: circuit.NewManager(),
		Limiters: ratelimit.NewRegistry(),
		DPoPKeys: auth.NewKeyCache(),
	}

	ctx := context.Background()
	for sourceID, src := range cfg.Sources {
		if *only != "" && sourceID != *only {
			continue
		}
		if src.HookScript != "" {
			log.Printf("source %s: skipping, hook-based auth/requests are not recordable by this tool", sourceID)
			continue
		}

		provider, err := auth.New(src.Auth, http.DefaultClient, nil)
		if err != nil {
			log.Printf("source %s: init auth: %v", sourceID, err)
			continue
		}

		resp, err := engine.Fetch(ctx, sourceID, src, provider, "")
		if err != nil {
			log.Printf("source %s: fetch failed: %v", sourceID, err)
			continue
		}

		if err := rec.Save(sourceID, src.URL, resp.StatusCode, resp.Header, resp.Body); err != nil {
			log.Printf("source %s: save recording: %v", sourceID, err)
			continue
		}
		log.Printf("source %s: recorded response (status %d, %d bytes)", sourceID, resp.StatusCode, len(resp.Body))
	}
	return nil
}

// runServe loads recordings from --dir and serves them back in order at
// /replay/{source_id} until interrupted.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dir := fs.String("dir", "./recordings", "directory of recordings to serve")
	addr := fs.String("addr", "127.0.0.1:0", "address to bind the replay server to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	recordings, err := replay.LoadRecordings(*dir)
	if err != nil {
		return fmt.Errorf("load recordings: %w", err)
	}
	if len(recordings) == 0 {
		return fmt.Errorf("no recordings found under %s", *dir)
	}

	srv := replay.NewServer(recordings)
	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("bind replay server: %w", err)
	}
	log.Printf("replay server listening on %s, rewrite source URLs to http://%s/replay/<source_id>",
		listener.Addr(), listener.Addr())
	return http.Serve(listener, srv.Router())
}

// Package main runs the shelfsync data layer as a local daemon: it opens
// the store, serves the cross-context relay, and drains the change log to
// the remote API in the background.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lcwei/shelfsync/internal/api"
	"github.com/lcwei/shelfsync/internal/broker"
	"github.com/lcwei/shelfsync/internal/logging"
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/store"
	"github.com/lcwei/shelfsync/internal/syncer"
	"github.com/lcwei/shelfsync/internal/uuid"
)

func main() {
	dataDir := flag.String("data", "./data", "data directory for the local store")
	apiBase := flag.String("api", "http://localhost:8000/api", "remote API base URL")
	relayAddr := flag.String("relay", "localhost:8090", "listen address of the cross-context relay")
	syncEvery := flag.Duration("sync-interval", time.Minute, "change-log drain interval")
	flag.Parse()

	logging.Init(os.Stdout, logging.LevelInfo)

	db, err := store.Open(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	// Each run of the daemon is one execution context.
	session := &models.Session{ClientID: uuid.New()}

	st := store.New(db, session,
		store.TableSpec{Name: "channels", PrimaryKey: "id", Indexed: []string{"name", "language"}},
		store.TableSpec{
			Name:       "contentnodes",
			PrimaryKey: "id",
			Indexed:    []string{"parent", "tree_id", "channel_id", "source_id"},
			Compound:   [][]string{{"parent", "lft"}},
		},
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate store: %v", err)
	}

	client := api.NewClient(map[string]string{
		"channel":     *apiBase + "/channel",
		"contentnode": *apiBase + "/contentnode",
	})

	// This daemon owns network responsibility: it answers fetch requests
	// posted by other contexts on the relay.
	hub := broker.NewHub()
	responderCh, err := dialSelf(hub, *relayAddr)
	if err != nil {
		log.Fatalf("Failed to join relay: %v", err)
	}
	responder := broker.NewResponder(responderCh, client)
	go func() {
		if err := responder.Run(ctx); err != nil && ctx.Err() == nil {
			logging.Error("responder stopped", err)
		}
	}()

	drain := syncer.New(st, client, session, map[string]string{
		"channels":     "channel",
		"contentnodes": "contentnode",
	}, *syncEvery)
	go func() {
		if err := drain.Run(ctx); err != nil && ctx.Err() == nil {
			logging.Error("syncer stopped", err)
		}
	}()

	logging.Info("shelfsyncd started", map[string]interface{}{
		"relay":  *relayAddr,
		"client": session.ClientID,
	})
	<-ctx.Done()
	logging.Info("shelfsyncd shutting down")
}

// dialSelf starts the relay listener and connects the daemon's own channel
// endpoint to it.
func dialSelf(hub *broker.Hub, addr string) (broker.Channel, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", hub.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("Relay listener failed: %v", err)
		}
	}()
	// Give the listener a moment before dialing it.
	var ch broker.Channel
	var err error
	for i := 0; i < 20; i++ {
		ch, err = broker.Dial("ws://" + addr + "/relay")
		if err == nil {
			return ch, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, err
}

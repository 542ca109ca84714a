//go:build ignore

// Mock backend for exercising a local gatekeeper.
// Run with: go run scripts/mock-backend.go -port 9001 -name users
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	name := flag.String("name", "backend", "Backend name")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	mux := http.NewServeMux()

	// /status/503 answers with that status; useful for tripping breakers.
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
		if err != nil || code < 100 || code > 599 {
			http.Error(w, "bad status", http.StatusBadRequest)
			return
		}
		w.WriteHeader(code)
	})

	// /slow?d=5s delays the answer; useful for gateway timeouts.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		d, _ := time.ParseDuration(r.URL.Query().Get("d"))
		select {
		case <-time.After(d):
			fmt.Fprintf(w, "slept %s\n", d)
		case <-r.Context().Done():
		}
	})

	// /ws echoes every frame back.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})

	// Echo endpoint, returns request info.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"backend":     *name,
			"path":        r.URL.Path,
			"method":      r.Method,
			"query":       r.URL.RawQuery,
			"host":        r.Host,
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().Format(time.RFC3339),
			"headers":     headerMap(r.Header),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("mock backend starting", zap.String("name", *name), zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("mock backend stopped", zap.Error(err))
	}
}

func headerMap(h http.Header) map[string]string {
	result := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}

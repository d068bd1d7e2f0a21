package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	baseURL   = flag.String("url", "http://localhost:3000", "server base URL")
	room      = flag.String("room", "loadtest", "room every user joins")
	userCount = flag.Int("users", 100, "concurrent users") // ⚠️ Start small. SQLite serialises writes.
	msgCount  = flag.Int("msgs", 20, "messages per user")
	resendPct = flag.Int("resend", 10, "percent of messages sent twice with the same token")
)

type frame struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Room     string `json:"room,omitempty"`
	Text     string `json:"text,omitempty"`
	Token    string `json:"token,omitempty"`
	Ack      string `json:"ack,omitempty"`
}

type reply struct {
	Type string `json:"type"`
	Data struct {
		Ack       string `json:"ack"`
		ID        int64  `json:"id"`
		Duplicate bool   `json:"duplicate"`
		Code      string `json:"code"`
	} `json:"data"`
}

type stats struct {
	acked      atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each, room %q", *userCount, *msgCount, *room)

	var (
		wg    sync.WaitGroup
		st    stats
		start = time.Now()
	)
	for i := 0; i < *userCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runUser(id, &st)
		}(i)
	}
	wg.Wait()

	log.Printf("✅ LOAD TEST COMPLETE in %s: %d acked, %d duplicates, %d failed",
		time.Since(start).Round(time.Millisecond), st.acked.Load(), st.duplicates.Load(), st.failed.Load())

	// Every token is stored once, however often it was sent.
	stored := countHistory()
	want := *userCount * *msgCount
	if stored >= 0 && stored < want {
		log.Printf("⚠️ history holds %d messages, expected at least %d", stored, want)
	}
}

func runUser(id int, st *stats) {
	user := fmt.Sprintf("lt_%d_%s", id, uuid.NewString()[:6])
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		st.failed.Add(int64(*msgCount))
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(frame{Type: "join room", Username: user, Room: *room}); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", user, err)
		return
	}

	// Every frame is planned up front so the reader knows how many replies to expect.
	var frames []frame
	for i := 0; i < *msgCount; i++ {
		token := uuid.NewString()
		copies := 1
		if i%100 < *resendPct {
			copies = 2
		}
		for c := 0; c < copies; c++ {
			frames = append(frames, frame{
				Type:  "chat message",
				Text:  fmt.Sprintf("LoadTest Msg %d from %s", i, user),
				Token: token,
				Ack:   fmt.Sprintf("%d.%d", i, c),
			})
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seen := 0; seen < len(frames); {
			var r reply
			if err := conn.ReadJSON(&r); err != nil {
				st.failed.Add(int64(len(frames) - seen))
				return
			}
			switch r.Type {
			case "ack":
				seen++
				if r.Data.Duplicate {
					st.duplicates.Add(1)
				} else {
					st.acked.Add(1)
				}
			case "error":
				if r.Data.Ack != "" {
					seen++
					st.failed.Add(1)
				}
			}
		}
	}()

	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("⚠️ %s timed out waiting for acks", user)
	}
	log.Printf("✅ %s finished sending %d frames", user, len(frames))
}

func countHistory() int {
	resp, err := http.Get(fmt.Sprintf("%s/api/rooms/%s/messages", *baseURL, *room))
	if err != nil {
		log.Printf("❌ History Fetch Failed: %v", err)
		return -1
	}
	defer resp.Body.Close()

	var msgs []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return -1
	}
	return len(msgs)
}

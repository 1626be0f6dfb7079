// Command loadtest opens many watch streams against a rollgate server and
// reports connection counts, message rate and flag propagation latency.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "rollgate/pkg/api/v1"
)

// Configuration
var (
	targetURL = flag.String("url", "http://localhost:8080/api/v1/stream/watch?namespace=default", "watch stream URL")
	token     = flag.String("token", "", "bearer token, if the stream is protected")
	totalVUs  = flag.Int("c", 2000, "concurrent streams")
	rampUp    = flag.Duration("ramp", 60*time.Second, "ramp up duration")
	flagKey   = flag.String("flag", "loadtest-latency-check", "flag whose updates are timed against their updatedAt")
)

type stats struct {
	active     atomic.Int64
	connects   atomic.Int64
	errors     atomic.Int64
	messages   atomic.Int64
	latencySum atomic.Int64 // milliseconds
	latencyN   atomic.Int64
}

func (s *stats) observe(msg v1.Message) {
	s.messages.Add(1)
	if msg.Key != *flagKey || msg.Flag == nil || msg.Flag.UpdatedAt <= 0 {
		return
	}
	latency := time.Now().UnixMilli() - msg.Flag.UpdatedAt
	// ignore clock skew
	if latency >= 0 && latency < 10_000 {
		s.latencySum.Add(latency)
		s.latencyN.Add(1)
	}
}

func (s *stats) report(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, n := s.latencySum.Swap(0), s.latencyN.Swap(0)
			avg := 0.0
			if n > 0 {
				avg = float64(sum) / float64(n)
			}
			fmt.Printf("[%s] active=%d connects=%d errors=%d msgs/s=%d latency=%.2fms (n=%d)\n",
				time.Now().Format("15:04:05"), s.active.Load(), s.connects.Load(), s.errors.Load(),
				s.messages.Swap(0), avg, n)
		}
	}
}

func main() {
	flag.Parse()

	fmt.Printf("watch load test: %s, %d streams over %v\n", *targetURL, *totalVUs, *rampUp)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	transport.MaxIdleConns = *totalVUs
	transport.MaxConnsPerHost = *totalVUs
	client := &http.Client{Transport: transport}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st := &stats{}
	go st.report(ctx)

	var wg sync.WaitGroup
	interval := *rampUp / time.Duration(max(*totalVUs, 1))
	for i := 0; i < *totalVUs && ctx.Err() == nil; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watch(ctx, client, st); err != nil && st.errors.Add(1) == 1 {
				fmt.Printf("stream %d: %v\n", i, err)
			}
		}()
		time.Sleep(interval)
	}

	fmt.Println("all streams launched")
	wg.Wait()
}

func watch(ctx context.Context, client *http.Client, st *stats) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *targetURL, nil)
	if err != nil {
		return err
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	st.connects.Add(1)
	st.active.Add(1)
	defer st.active.Add(-1)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		var msg v1.Message
		if json.Unmarshal([]byte(strings.TrimSpace(data)), &msg) == nil && msg.Revision > 0 {
			st.observe(msg)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

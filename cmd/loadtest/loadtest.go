// Command loadtest opens many concurrent transport clients against a
// realtime endpoint and reports how many reach the connected state.
package main

import (
	"flag"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valsssa/TutorHub-sub007/internal/model"
	"github.com/valsssa/TutorHub-sub007/internal/transport"
)

func main() {
	url := flag.String("url", "ws://localhost:8000/ws", "realtime endpoint")
	token := flag.String("token", "loadtest", "bearer token")
	clients := flag.Int("clients", 50, "concurrent connections")
	hold := flag.Duration("hold", 10*time.Second, "how long to hold connections open")
	flag.Parse()

	var connected atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			client := transport.New(transport.Options{
				URL:   *url,
				Token: *token,
			})
			defer client.Destroy()

			done := make(chan struct{})
			var once sync.Once
			unsub := client.OnConnectionChange(func(d model.ConnectionDetails) {
				if d.State == model.StateConnected {
					connected.Add(1)
					once.Do(func() { close(done) })
				}
			})
			defer unsub()

			if err := client.Connect(); err != nil {
				log.Printf("connect failed: %v", err)
				return
			}

			select {
			case <-done:
				time.Sleep(*hold)
			case <-time.After(*hold):
			}
		}()
	}

	wg.Wait()
	log.Printf("%d/%d clients reached connected", connected.Load(), *clients)
}

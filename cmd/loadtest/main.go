package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"nutrichat/internal/client"
	"nutrichat/internal/models"
	"nutrichat/internal/session"
)

type options struct {
	baseURL    string
	patients   int
	batchSize  int
	duration   time.Duration
	tick       time.Duration
	writeRatio float64
}

type patient struct {
	id           int64
	client       *client.Client
	conversation int64
}

func register(ctx context.Context, c *client.Client, username, role string) (*client.Client, *models.User, error) {
	resp, err := c.Register(ctx, models.RegisterRequest{
		Username:    username,
		Password:    "testpass123",
		DisplayName: username,
		Role:        role,
	})
	if err != nil {
		return nil, nil, err
	}
	sess, err := session.New(resp.Token)
	if err != nil {
		return nil, nil, err
	}
	return c.WithSession(sess), &resp.User, nil
}

func registerPatients(ctx context.Context, opts options, base *client.Client, run string) []*patient {
	patients := make([]*patient, opts.patients)
	errChan := make(chan error, opts.patients)
	var wg sync.WaitGroup

	for start := 0; start < opts.patients; start += opts.batchSize {
		end := start + opts.batchSize
		if end > opts.patients {
			end = opts.patients
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				c, user, err := register(ctx, base, fmt.Sprintf("lt_%s_patient_%d", run, i), models.RolePatient)
				if err != nil {
					errChan <- fmt.Errorf("failed to register patient %d: %v", i, err)
					continue
				}
				patients[i] = &patient{id: user.ID, client: c}
			}
		}(start, end)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	errorCount := 0
	for err := range errChan {
		errorCount++
		if errorCount <= 10 {
			log.Printf("Error: %v", err)
		}
	}
	if errorCount > 0 {
		log.Printf("Warning: %d patients failed to register", errorCount)
	}
	return patients
}

// simulatePatient behaves like the TUI: unread count and thread polls on the
// message interval, with a send on a share of the ticks.
func simulatePatient(ctx context.Context, p *patient, opts options, stats *Stats, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(opts.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if rand.Float64() < opts.writeRatio {
			content := fmt.Sprintf("Registro do paciente %d às %s", p.id, time.Now().Format(time.RFC3339))
			start := time.Now()
			_, err := p.client.SendMessage(ctx, p.conversation, content, uuid.NewString())
			record(ctx, stats, start, err, WriteOperation)
			continue
		}

		start := time.Now()
		_, err := p.client.ListMessages(ctx, p.conversation)
		record(ctx, stats, start, err, ReadOperation)

		start = time.Now()
		_, err = p.client.UnreadCount(ctx)
		record(ctx, stats, start, err, ReadOperation)
	}
}

func record(ctx context.Context, stats *Stats, start time.Time, err error, op OperationType) {
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		stats.recordError()
		log.Printf("Request failed: %v", err)
		return
	}
	stats.recordSuccess(time.Since(start), op)
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080/api", "API base URL")
	flag.IntVar(&opts.patients, "patients", 500, "Number of simulated patients")
	flag.IntVar(&opts.batchSize, "batch", 50, "Patients registered per goroutine")
	flag.DurationVar(&opts.duration, "duration", time.Minute, "Simulation length")
	flag.DurationVar(&opts.tick, "tick", 5*time.Second, "Poll interval per patient")
	flag.Float64Var(&opts.writeRatio, "write-ratio", 0.2, "Share of ticks that send a message")
	flag.Parse()

	if opts.batchSize <= 0 {
		opts.batchSize = 1
	}

	log.Printf("Starting load test with %d patients, tick %v, for %v", opts.patients, opts.tick, opts.duration)
	log.Printf("Start the backend with: go run ./cmd/devserver -loadtest")

	ctx := context.Background()
	run := uuid.NewString()[:8]
	base := client.New(opts.baseURL, nil, client.WithTimeout(5*time.Second))

	nutritionist, _, err := register(ctx, base, "lt_"+run+"_nutritionist", models.RoleNutritionist)
	if err != nil {
		log.Fatalf("Failed to register nutritionist: %v", err)
	}

	startTime := time.Now()
	patients := registerPatients(ctx, opts, base, run)
	log.Printf("Registration completed in %v", time.Since(startTime))

	ready := 0
	for _, p := range patients {
		if p == nil {
			continue
		}
		conv, err := nutritionist.FindOrCreateByPatient(ctx, p.id)
		if err != nil {
			log.Printf("Failed to open conversation for patient %d: %v", p.id, err)
			continue
		}
		p.conversation = conv.ID
		ready++
	}
	log.Printf("%d/%d patients ready", ready, opts.patients)

	if ready < opts.patients/2 {
		log.Fatalf("Too many setup failures, aborting load test")
	}

	stats := &Stats{}
	simCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var wg sync.WaitGroup
	start := time.Now()
	for _, p := range patients {
		if p != nil && p.conversation != 0 {
			wg.Add(1)
			go simulatePatient(simCtx, p, opts, stats, &wg)
		}
	}
	wg.Wait()
	duration := time.Since(start)

	stats.calculateStats(duration)

	log.Printf("Load Test Results:")
	log.Printf("Total Requests: %d", stats.totalRequests)
	log.Printf("Successful Requests: %d", stats.successRequests)
	log.Printf("Failed Requests: %d", stats.failedRequests)
	log.Printf("Average Latency: %v", stats.averageLatency())
	log.Printf("Min Latency: %v", stats.minLatency)
	log.Printf("Max Latency: %v", stats.maxLatency)
	log.Printf("P99 Write Latency: %v", stats.getP99WriteLatency())
	log.Printf("P99 Read Latency: %v", stats.getP99ReadLatency())
	log.Printf("Requests per Second: %.2f", stats.requestsPerSecond)
	log.Printf("Total Duration: %v", duration)
}

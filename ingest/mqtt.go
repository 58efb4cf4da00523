// Package ingest accepts raw observation reports from the MQTT broker and
// submits them to the incoming queue. It is the only writer of the queue
// besides direct API submitters; everything past the queue belongs to the
// aggregation pipeline.
package ingest

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"radiolocate/internal/ratelimit"
	"radiolocate/metrics"
	"radiolocate/queue"
	"radiolocate/report"
)

const (
	reportBuffer  = 1000
	submitBatch   = 100
	flushInterval = 200 * time.Millisecond
)

// Client consumes JSON reports from an MQTT topic, validates them, and
// submits accepted reports to the queue in small batches.
type Client struct {
	broker  string
	port    int
	topic   string
	name    string
	workers int

	queue   *queue.Queue
	tracker *metrics.Tracker
	now     func() time.Time

	client     mqtt.Client
	reportChan chan report.Report
	shutdown   chan struct{}
	wg         sync.WaitGroup

	droppedLog   ratelimit.Counter
	malformedLog ratelimit.Counter
	shedLog      ratelimit.Counter
}

// NewClient wires an ingest client. now is injectable for tests and
// defaults to time.Now.
func NewClient(broker string, port int, topic, name string, workers int,
	q *queue.Queue, tracker *metrics.Tracker, now func() time.Time) *Client {
	if workers <= 0 {
		workers = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Client{
		broker:       broker,
		port:         port,
		topic:        topic,
		name:         name,
		workers:      workers,
		queue:        q,
		tracker:      tracker,
		now:          now,
		reportChan:   make(chan report.Report, reportBuffer),
		shutdown:     make(chan struct{}),
		droppedLog:   ratelimit.NewCounter(10 * time.Second),
		malformedLog: ratelimit.NewCounter(10 * time.Second),
		shedLog:      ratelimit.NewCounter(10 * time.Second),
	}
}

// Connect establishes the broker connection and starts the submit workers.
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.broker, c.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%d", c.name, time.Now().Unix()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)

	log.Printf("Connecting to report broker at %s...", brokerURL)
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("ingest: connect: %w", token.Error())
	}

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.submitLoop()
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	log.Printf("Ingest: connected, subscribing to topic %s", c.topic)
	token := client.Subscribe(c.topic, 1, c.messageHandler)
	if token.Wait() && token.Error() != nil {
		log.Printf("Ingest: subscribe failed: %v", token.Error())
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("Ingest: connection lost: %v", err)
}

// messageHandler validates one payload and hands the report to the submit
// workers. Malformed payloads are counted, never fatal.
func (c *Client) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var r report.Report
	if err := json.Unmarshal(msg.Payload(), &r); err != nil {
		c.countMalformed(fmt.Sprintf("unparseable payload: %v", err))
		return
	}
	validated, droppedSightings, err := report.Validate(r, c.now())
	if droppedSightings > 0 && c.tracker != nil {
		c.tracker.AddSightingsDropped(droppedSightings)
	}
	if err != nil {
		c.countMalformed(err.Error())
		return
	}
	select {
	case c.reportChan <- validated:
	default:
		if total, ok := c.droppedLog.Inc(); ok {
			log.Printf("Ingest: report buffer full, dropped %d so far", total)
		}
	}
}

func (c *Client) countMalformed(reason string) {
	if c.tracker != nil {
		c.tracker.AddMalformed(1)
	}
	if total, ok := c.malformedLog.Inc(); ok {
		log.Printf("Ingest: rejected report (%s), %d rejected so far", reason, total)
	}
}

// submitLoop batches validated reports into queue submissions. A partial
// accept under backpressure counts the shed remainder; the broker keeps
// redelivering, so shedding here is load control, not data loss.
func (c *Client) submitLoop() {
	defer c.wg.Done()
	batch := make([]report.Report, 0, submitBatch)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		accepted, err := c.queue.Submit(batch, c.now())
		if c.tracker != nil {
			c.tracker.AddAccepted(accepted)
		}
		if err != nil {
			shed := len(batch) - accepted
			if c.tracker != nil {
				c.tracker.AddShed(shed)
			}
			if total, ok := c.shedLog.Inc(); ok {
				log.Printf("Ingest: queue shedding load, %d reports shed (%d submit failures so far): %v",
					shed, total, err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case r := <-c.reportChan:
			batch = append(batch, r)
			if len(batch) >= submitBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.shutdown:
			// Drain whatever is buffered before the final flush.
			for {
				select {
				case r := <-c.reportChan:
					batch = append(batch, r)
					if len(batch) >= submitBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// IsConnected reports broker connectivity.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Stop unsubscribes, disconnects, and drains the submit workers.
func (c *Client) Stop() {
	log.Println("Stopping ingest client...")
	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(c.topic)
		c.client.Disconnect(250)
	}
	close(c.shutdown)
	c.wg.Wait()
	dropped, malformed, shed := c.droppedLog.Total(), c.malformedLog.Total(), c.shedLog.Total()
	if dropped+malformed+shed > 0 {
		log.Printf("Ingest client stopped (dropped=%d malformed=%d shed=%d)", dropped, malformed, shed)
		return
	}
	log.Println("Ingest client stopped")
}

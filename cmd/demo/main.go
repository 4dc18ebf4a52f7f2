package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	baseURL      = "http://localhost:8080"
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorBold    = "\033[1m"
)

type batchMessage struct {
	MessageID string `json:"message_id"`
	Payload   string `json:"payload"`
	Priority  int    `json:"priority,omitempty"`
}

type polledMessage struct {
	ID       string `json:"ID"`
	Priority int    `json:"Priority"`
	Payload  string `json:"Payload"`
}

func main() {
	printHeader()

	if !checkServer() {
		fmt.Printf("%s✗ Server not running. Please start cmd/api first.%s\n", colorRed, colorReset)
		os.Exit(1)
	}
	fmt.Printf("%s✓ Server is running%s\n\n", colorGreen, colorReset)

	fmt.Printf("%s=== relqueue Demo ===%s\n\n", colorBold+colorCyan, colorReset)

	scenario1BasicFlow()
	time.Sleep(1 * time.Second)

	scenario2PriorityOrdering()
	time.Sleep(1 * time.Second)

	scenario3DelayedDelivery()
	time.Sleep(1 * time.Second)

	scenario4UnackReclaim()
	time.Sleep(1 * time.Second)

	displayMetrics()

	printFooter()
}

func printHeader() {
	fmt.Print(colorCyan + colorBold)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║               RELQUEUE - INTERACTIVE DEMO                 ║")
	fmt.Println("║     Durable Work Queue with Priority & Unack Reclaim       ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
	fmt.Println()
}

func printFooter() {
	fmt.Println()
	fmt.Print(colorCyan)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Demo Complete!                          ║")
	fmt.Println("║  View live metrics at: http://localhost:8080/metrics       ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
}

func checkServer() bool {
	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == 200
}

func scenario1BasicFlow() {
	printScenario("Scenario 1: Basic Flow (push → poll → ack)")

	fmt.Printf("%s→ Pushing order-42 to 'orders'...%s\n", colorYellow, colorReset)
	pushBatch("orders", []batchMessage{{MessageID: "order-42", Payload: `{"order_id":"order-42","total":99.99}`}})
	fmt.Printf("%s  ✓ Pushed%s\n", colorGreen, colorReset)
	time.Sleep(300 * time.Millisecond)

	fmt.Printf("%s→ Polling 'orders'...%s\n", colorYellow, colorReset)
	messages := poll("orders", 1, 2000)
	if len(messages) > 0 {
		fmt.Printf("%s  ✓ Leased message %s: %s%s\n", colorGreen, messages[0].ID, messages[0].Payload, colorReset)
		ack("orders", messages[0].ID)
		fmt.Printf("%s  ✓ Acknowledged%s\n", colorGreen, colorReset)
	}

	fmt.Printf("%s→ Verifying queue is empty...%s\n", colorYellow, colorReset)
	if size := getSize("orders"); size == 0 {
		fmt.Printf("%s  ✓ Queue is empty%s\n", colorGreen, colorReset)
	}

	fmt.Println()
}

func scenario2PriorityOrdering() {
	printScenario("Scenario 2: Priority Ordering")

	fmt.Printf("%s→ Pushing three messages with priorities 0, 5, 10...%s\n", colorYellow, colorReset)
	pushBatch("jobs", []batchMessage{
		{MessageID: "job-low", Payload: "low", Priority: 0},
		{MessageID: "job-high", Payload: "high", Priority: 10},
		{MessageID: "job-mid", Payload: "mid", Priority: 5},
	})
	fmt.Printf("%s  ✓ Pushed%s\n", colorGreen, colorReset)
	time.Sleep(300 * time.Millisecond)

	fmt.Printf("%s→ Polling one at a time, expecting high, mid, low order...%s\n", colorYellow, colorReset)
	for i := 0; i < 3; i++ {
		messages := poll("jobs", 1, 2000)
		if len(messages) > 0 {
			fmt.Printf("%s  ✓ Leased %s (priority %d)%s\n", colorGreen, messages[0].ID, messages[0].Priority, colorReset)
			ack("jobs", messages[0].ID)
		}
	}

	fmt.Println()
}

func scenario3DelayedDelivery() {
	printScenario("Scenario 3: Delayed Delivery")

	fmt.Printf("%s→ Pushing message with a 3-second delivery offset...%s\n", colorYellow, colorReset)
	pushSingle("reminders", "reminder-1", 0, 3)
	fmt.Printf("%s  ✓ Pushed%s\n", colorGreen, colorReset)

	fmt.Printf("%s→ Polling immediately (should be empty)...%s\n", colorYellow, colorReset)
	messages := poll("reminders", 1, 200)
	fmt.Printf("%s  received %d message(s)%s\n", colorBlue, len(messages), colorReset)

	fmt.Printf("%s  ⏳ Waiting for the delivery offset to elapse...%s\n", colorBlue, colorReset)
	time.Sleep(4 * time.Second)

	fmt.Printf("%s→ Polling again (should now be visible)...%s\n", colorYellow, colorReset)
	messages = poll("reminders", 1, 2000)
	if len(messages) > 0 {
		fmt.Printf("%s  ✓ Message now visible: %s%s\n", colorGreen, messages[0].ID, colorReset)
		ack("reminders", messages[0].ID)
	}

	fmt.Println()
}

func scenario4UnackReclaim() {
	printScenario("Scenario 4: Unack Reclaim After a Dropped Lease")

	fmt.Printf("%s→ Pushing task-9 to 'tasks'...%s\n", colorYellow, colorReset)
	pushBatch("tasks", []batchMessage{{MessageID: "task-9", Payload: "process-payment"}})
	fmt.Printf("%s  ✓ Pushed%s\n", colorGreen, colorReset)
	time.Sleep(300 * time.Millisecond)

	fmt.Printf("%s→ Leasing the message and simulating a worker crash (no ack)...%s\n", colorYellow, colorReset)
	messages := poll("tasks", 1, 2000)
	if len(messages) > 0 {
		fmt.Printf("%s  ✓ Leased %s%s\n", colorGreen, messages[0].ID, colorReset)
	}
	fmt.Printf("%s  ⏳ Waiting 5s, then triggering an unack sweep (reclaims the lease only if the server's UNACK_WINDOW_SECONDS is below 5)...%s\n", colorBlue, colorReset)
	time.Sleep(5 * time.Second)
	processAllUnacks()

	fmt.Printf("%s→ Polling again (re-leasable if the sweep reclaimed it)...%s\n", colorYellow, colorReset)
	messages = poll("tasks", 1, 2000)
	if len(messages) > 0 {
		fmt.Printf("%s  ✓ Message reclaimed and re-leased: %s%s\n", colorGreen, messages[0].ID, colorReset)
		ack("tasks", messages[0].ID)
		fmt.Printf("%s  ✓ Cleaned up%s\n", colorGreen, colorReset)
	}

	fmt.Println()
}

func displayMetrics() {
	printScenario("Live Prometheus Metrics")

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		fmt.Printf("%s✗ Failed to fetch metrics%s\n", colorRed, colorReset)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(string(body), "\n")

	wanted := []string{
		"relqueue_messages_pushed_total",
		"relqueue_messages_polled_total",
		"relqueue_messages_acked_total",
		"relqueue_messages_reclaimed_total",
		"relqueue_unack_sweep_errors_total",
		"relqueue_unack_sweep_duration_seconds_count",
	}

	for _, line := range lines {
		for _, metric := range wanted {
			if strings.HasPrefix(line, metric) && !strings.Contains(line, "#") {
				parts := strings.Split(line, " ")
				if len(parts) == 2 {
					fmt.Printf("%s%-45s%s %s%s%s\n",
						colorCyan, parts[0], colorReset,
						colorGreen+colorBold, parts[1], colorReset)
				}
			}
		}
	}

	fmt.Printf("\n%sView full metrics: %shttp://localhost:8080/metrics%s\n",
		colorYellow, colorBlue+colorBold, colorReset)
}

func printScenario(title string) {
	fmt.Printf("%s%s┌─────────────────────────────────────────────────────────────┐%s\n",
		colorBold, colorMagenta, colorReset)
	fmt.Printf("%s%s│ %-59s │%s\n",
		colorBold, colorMagenta, title, colorReset)
	fmt.Printf("%s%s└─────────────────────────────────────────────────────────────┘%s\n",
		colorBold, colorMagenta, colorReset)
}

func pushSingle(queueName, messageID string, priority int, offsetSeconds int64) {
	body, _ := json.Marshal(map[string]any{
		"message_id":     messageID,
		"priority":       priority,
		"offset_seconds": offsetSeconds,
	})
	resp, err := http.Post(fmt.Sprintf("%s/v1/queues/%s/messages", baseURL, queueName), "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("%s✗ push failed: %v%s\n", colorRed, err, colorReset)
		return
	}
	defer resp.Body.Close()
}

func pushBatch(queueName string, messages []batchMessage) {
	body, _ := json.Marshal(map[string]any{"messages": messages})
	resp, err := http.Post(fmt.Sprintf("%s/v1/queues/%s/messages/batch", baseURL, queueName), "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("%s✗ push batch failed: %v%s\n", colorRed, err, colorReset)
		return
	}
	defer resp.Body.Close()
}

func poll(queueName string, count int, timeoutMs int64) []polledMessage {
	body, _ := json.Marshal(map[string]any{"count": count, "timeout_ms": timeoutMs})
	resp, err := http.Post(fmt.Sprintf("%s/v1/queues/%s/poll", baseURL, queueName), "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("%s✗ poll failed: %v%s\n", colorRed, err, colorReset)
		return nil
	}
	defer resp.Body.Close()

	var messages []polledMessage
	_ = json.NewDecoder(resp.Body).Decode(&messages)
	return messages
}

func ack(queueName, messageID string) {
	resp, err := http.Post(fmt.Sprintf("%s/v1/queues/%s/messages/%s/ack", baseURL, queueName, messageID), "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		fmt.Printf("%s✗ ack failed: %v%s\n", colorRed, err, colorReset)
		return
	}
	defer resp.Body.Close()
}

func getSize(queueName string) int64 {
	resp, err := http.Get(fmt.Sprintf("%s/v1/queues/%s/size", baseURL, queueName))
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	var result struct {
		Count int64 `json:"count"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return result.Count
}

func processAllUnacks() {
	resp, err := http.Post(baseURL+"/v1/admin/unacks/process", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		return
	}
	defer resp.Body.Close()
}

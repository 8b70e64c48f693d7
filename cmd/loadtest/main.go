package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

var (
	baseURL string
	timeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Concurrency checks against a running hotel checkout server",
	}
	rootCmd.PersistentFlags().StringVar(&baseURL, "base", "http://localhost:8080", "server base url")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per request timeout")

	rootCmd.AddCommand(checkoutCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkoutCmd() *cobra.Command {
	var (
		n         int
		c         int
		samePhone bool
		amount    int64
	)
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Fire concurrent guest checkouts",
		Long: `Fire concurrent guest checkouts.

With --same-phone every request uses one phone number, which should
trip the checkout rate limit (expect 429s once the window is full).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			fmt.Printf("start checkout burst: n=%d concurrency=%d same_phone=%v\n", n, c, samePhone)

			results := runConcurrent(n, c, func(idx int) Result {
				phone := fmt.Sprintf("07%08d", idx)
				if samePhone {
					phone = "0712345678"
				}
				return postJSON(client, baseURL+"/api/checkout", checkoutBody(phone, amount))
			})
			printSummary("checkout", results)
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 200, "total requests")
	cmd.Flags().IntVarP(&c, "c", "c", 50, "max concurrency")
	cmd.Flags().BoolVar(&samePhone, "same-phone", false, "reuse one phone number for every request")
	cmd.Flags().Int64Var(&amount, "unit-price", 10000, "room unit price in minor units")
	return cmd
}

func replayCmd() *cobra.Command {
	var (
		n          int
		c          int
		checkoutID string
		amount     int64
		orderID    string
		token      string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Deliver the same success callback concurrently",
		Long: `Deliver the same success callback concurrently.

Every delivery must be acknowledged, and the order must end up paid
exactly once. Pass --order and --token to print the final order state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// 成功回调不带金额会被服务端当作报文错误丢弃
			if amount <= 0 {
				return fmt.Errorf("--amount must be > 0")
			}
			client := &http.Client{Timeout: timeout}
			body := callbackBody(checkoutID, amount)
			fmt.Printf("start callback replay: n=%d concurrency=%d checkout_request_id=%q amount=%d\n", n, c, checkoutID, amount)

			results := runConcurrent(n, c, func(int) Result {
				return postRaw(client, baseURL+"/api/payment-callback", body)
			})
			printSummary("replay", results)

			if orderID != "" && token != "" {
				r := get(client, fmt.Sprintf("%s/api/orders/%s?token=%s", baseURL, orderID, token))
				if r.Err != nil {
					return r.Err
				}
				fmt.Printf("order %s -> %d %s\n", orderID, r.Status, r.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "total deliveries")
	cmd.Flags().IntVarP(&c, "c", "c", 20, "max concurrency")
	cmd.Flags().StringVar(&checkoutID, "checkout-request-id", "", "CheckoutRequestID to replay")
	cmd.Flags().Int64Var(&amount, "amount", 0, "callback amount in minor units")
	cmd.Flags().StringVar(&orderID, "order", "", "order id to inspect afterwards")
	cmd.Flags().StringVar(&token, "token", "", "guest token for --order")
	return cmd
}

// runConcurrent 用信号量限制并发，按下标收集结果。
func runConcurrent(total, concurrency int, fn func(idx int) Result) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func checkoutBody(phone string, unitPrice int64) map[string]any {
	return map[string]any{
		"customer": map[string]any{
			"name":  "Load Test",
			"email": "loadtest@example.com",
			"phone": phone,
		},
		"fulfillment": map[string]any{"mode": "pickup"},
		"line_items": []map[string]any{
			{"name": "Standard Room", "unit_price": unitPrice, "quantity": 1, "kind": "room"},
		},
		"currency":       "KES",
		"payment_method": "mobile_money",
	}
}

func callbackBody(checkoutID string, amount int64) []byte {
	items := []map[string]any{
		{"Name": "Amount", "Value": amount},
		{"Name": "MpesaReceiptNumber", "Value": "LOADTEST01"},
		{"Name": "PhoneNumber", "Value": 254712345678},
	}
	b, _ := json.Marshal(map[string]any{
		"Body": map[string]any{
			"stkCallback": map[string]any{
				"MerchantRequestID": "loadtest",
				"CheckoutRequestID": checkoutID,
				"ResultCode":        0,
				"ResultDesc":        "The service request is processed successfully.",
				"CallbackMetadata":  map[string]any{"Item": items},
			},
		},
	})
	return b
}

func postJSON(client *http.Client, url string, body any) Result {
	b, _ := json.Marshal(body)
	return postRaw(client, url, b)
}

func postRaw(client *http.Client, url string, body []byte) Result {
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return do(client, req)
}

func get(client *http.Client, url string) Result {
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	return do(client, req)
}

func do(client *http.Client, req *http.Request) Result {
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}

	codes := make([]int, 0, len(count))
	for code := range count {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, count[code])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

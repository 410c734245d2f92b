package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

var baseURL = "http://localhost:8080"

func main() {
	if v := os.Getenv("E2E_BASE_URL"); v != "" {
		baseURL = v
	}
	// Wait for server to start
	time.Sleep(2 * time.Second)

	// 1. Health Check
	checkEndpoint("GET", "/health", nil, 200)

	// 2. Current price (may be zero when the provider is unreachable)
	checkEndpoint("GET", "/prices/bitcoin", nil, 200)

	// 3. Create Portfolio
	var portfolio map[string]interface{}
	decode(checkEndpoint("POST", "/portfolios", map[string]string{"name": "e2e", "user_id": "e2e-user"}, 201), &portfolio)
	pid := portfolio["id"].(string)
	fmt.Printf("Created Portfolio ID: %s\n", pid)

	// 4. Buy twice, check weighted average
	var buy map[string]interface{}
	decode(checkEndpoint("POST", "/portfolios/"+pid+"/transactions", map[string]string{"crypto_id": "bitcoin", "kind": "BUY", "amount": "1", "price": "10000"}, 201), &buy)
	checkEndpoint("POST", "/portfolios/"+pid+"/transactions", map[string]string{"crypto_id": "bitcoin", "kind": "BUY", "amount": "1", "price": "20000"}, 201)

	var holdings []map[string]interface{}
	decode(checkEndpoint("GET", "/portfolios/"+pid+"/holdings", nil, 200), &holdings)
	if len(holdings) != 1 || holdings[0]["quantity"] != "2" || holdings[0]["average_cost"] != "15000" {
		log.Fatalf("unexpected holdings: %v", holdings)
	}

	// 5. Oversell is rejected
	checkEndpoint("POST", "/portfolios/"+pid+"/transactions", map[string]string{"crypto_id": "bitcoin", "kind": "SELL", "amount": "5", "price": "1"}, 409)

	// 6. Edit, value, history
	checkEndpoint("PUT", "/transactions/"+buy["id"].(string), map[string]string{"amount": "2"}, 200)
	checkEndpoint("GET", "/portfolios/"+pid+"/value", nil, 200)
	checkEndpoint("GET", "/portfolios/"+pid+"/history", nil, 200)
	checkEndpoint("GET", "/portfolios/"+pid+"/transactions", nil, 200)

	// 7. Delete and replay
	checkEndpoint("DELETE", "/transactions/"+buy["id"].(string), nil, 200)
	checkEndpoint("POST", "/portfolios/"+pid+"/holdings/bitcoin/replay", nil, 200)

	fmt.Println("ALL TESTS PASSED")
}

func decode(body []byte, v interface{}) {
	if err := json.Unmarshal(body, v); err != nil {
		log.Fatalf("decode %s: %v", string(body), err)
	}
}

func checkEndpoint(method, path string, body interface{}, expectedStatus int) []byte {
	fmt.Printf("Testing %s %s...\n", method, path)
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, baseURL+path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != expectedStatus {
		log.Fatalf("Expected status %d, got %d. Body: %s", expectedStatus, resp.StatusCode, string(respBody))
	}
	fmt.Printf("Response: %s\n", string(respBody))
	return respBody
}

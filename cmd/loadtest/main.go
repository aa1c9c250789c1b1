package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"dianping/internal/auth"
	"dianping/internal/middleware"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	redisAddr := flag.String("redis", "localhost:6379", "redis addr used to seed login tokens")
	voucherID := flag.Int64("voucher", 0, "seckill voucher id; 0 creates a new one")
	stock := flag.Int("stock", 100, "stock of the created voucher")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")
	stockCheck := flag.Bool("check-stock", true, "check redis stock after test")

	// 超卖测试参数：200 个用户并发抢 stock 张券
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	rdb := rd.NewClient(&rd.Options{Addr: *redisAddr})
	defer rdb.Close()

	if *voucherID == 0 {
		id, err := createVoucher(client, *baseURL, *adminToken, *stock)
		if err != nil {
			panic(fmt.Sprintf("create voucher failed: %v", err))
		}
		*voucherID = id
		fmt.Printf("created voucher %d with stock %d\n", id, *stock)
	}

	// 登录流程不在服务内，直接把 token 写进 Redis
	tokens, err := seedTokens(rdb, *nUsers+1)
	if err != nil {
		panic(fmt.Sprintf("seed tokens failed: %v", err))
	}

	// 1) 不超卖测试：不同用户并发
	fmt.Printf("start oversell test: voucher=%d users=%d concurrency=%d\n", *voucherID, *nUsers, *concurrency)
	results := runBuy(client, *baseURL, *voucherID, tokens[:*nUsers], *concurrency)
	printSummary("oversell", results)

	if *stockCheck {
		n, err := getStock(client, *baseURL, *voucherID)
		if err != nil {
			fmt.Println("stock check err:", err)
		} else {
			fmt.Println("final redis stock:", n)
		}
	}

	// 2) 一人一单：同一个用户并发抢 50 次，最多一次 200
	fmt.Println("\nstart one-per-user test: same user, 50 requests, concurrency 50")
	same := make([]string, 50)
	for i := range same {
		same[i] = tokens[*nUsers]
	}
	results2 := runBuy(client, *baseURL, *voucherID, same, 50)
	printSummary("same_user", results2)
}

func seedTokens(rdb *rd.Client, n int) ([]string, error) {
	ctx := context.Background()
	tokens := make([]string, n)
	base := time.Now().Unix() % 100000 * 10000
	for i := 0; i < n; i++ {
		tokens[i] = uuid.NewString()
		u := auth.UserDTO{ID: base + int64(i) + 1, NickName: fmt.Sprintf("user_%d", i+1)}
		if err := auth.SaveUser(ctx, rdb, tokens[i], u, time.Hour); err != nil {
			return nil, err
		}
	}
	return tokens, nil
}

func runBuy(client *http.Client, baseURL string, voucherID int64, tokens []string, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, len(tokens))

	for i := range tokens {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = buyOnce(client, baseURL, voucherID, tokens[idx])
		}(i)
	}

	wg.Wait()
	return results
}

func buyOnce(client *http.Client, baseURL string, voucherID int64, token string) Result {
	url := fmt.Sprintf("%s/api/voucher-order/seckill/%d", baseURL, voucherID)
	httpReq, _ := http.NewRequest(http.MethodPost, url, nil)
	httpReq.Header.Set(middleware.HeaderAuthorization, token)

	resp, err := client.Do(httpReq)
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
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 401, 404, 429, 500, 503} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// createVoucher 通过管理接口创建一张已开始的秒杀券。
func createVoucher(client *http.Client, baseURL, adminToken string, stock int) (int64, error) {
	now := time.Now()
	b, _ := json.Marshal(map[string]interface{}{
		"shopId":    1,
		"title":     "loadtest voucher",
		"payValue":  100,
		"stock":     stock,
		"beginTime": now.Add(-time.Minute).Format(time.RFC3339),
		"endTime":   now.Add(time.Hour).Format(time.RFC3339),
	})
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/voucher/seckill", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", adminToken)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
	}

	var out struct {
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	return out.Data.ID, nil
}

// getStock 查询 Redis 中当前库存，用于压测后校验是否出现超卖。
func getStock(client *http.Client, baseURL string, voucherID int64) (int64, error) {
	url := fmt.Sprintf("%s/api/voucher/%d/stock", baseURL, voucherID)
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			Stock int64 `json:"stock"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	return out.Data.Stock, nil
}

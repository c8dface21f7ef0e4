package oneinch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"DustSweep/internal/web3"
)

const (
	defaultBaseURL = "https://api.1inch.dev/swap/v6.0"
	defaultTimeout = 15 * time.Second
	defaultGas     = 300_000
)

// Config 描述调用 1inch Swap API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 向 1inch 请求可直接上链的兑换交易。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。API Key 为空时仍可构造，请求将以匿名方式发出。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type swapResponse struct {
	Tx struct {
		To    string          `json:"to"`
		Data  string          `json:"data"`
		Value string          `json:"value"`
		Gas   json.RawMessage `json:"gas"`
	} `json:"tx"`
}

// Swap 请求兑换交易。任何非 2xx 响应、网络错误或格式错误都会返回 error，
// 由调用方决定是否改为直接转账。
func (c *Client) Swap(ctx context.Context, req web3.SwapRequest) (web3.TxRequest, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return web3.TxRequest{}, errors.New("swap amount must be positive")
	}
	slippage := req.SlippagePercent
	if slippage <= 0 {
		slippage = web3.DefaultSlippagePercent
	}

	params := url.Values{}
	params.Set("src", req.Source.Hex())
	params.Set("dst", req.Destination.Hex())
	params.Set("amount", req.Amount.String())
	params.Set("from", req.From.Hex())
	params.Set("slippage", strconv.FormatFloat(slippage, 'f', -1, 64))
	params.Set("disableEstimate", "true")
	endpoint := fmt.Sprintf("%s/%d/swap?%s", c.baseURL, req.ChainID, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return web3.TxRequest{}, fmt.Errorf("构建 1inch 请求失败: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return web3.TxRequest{}, fmt.Errorf("请求 1inch 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return web3.TxRequest{}, fmt.Errorf("1inch 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return web3.TxRequest{}, fmt.Errorf("解析 1inch 响应失败: %w", err)
	}
	return decoded.toTxRequest()
}

// Ping 调用指定链的 healthcheck 接口，供健康检查使用。
func (c *Client) Ping(ctx context.Context, chainID uint64) error {
	endpoint := fmt.Sprintf("%s/%d/healthcheck", c.baseURL, chainID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("构建 1inch 请求失败: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("请求 1inch 失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("1inch healthcheck 返回状态 %d", resp.StatusCode)
	}
	return nil
}

func (r swapResponse) toTxRequest() (web3.TxRequest, error) {
	if !common.IsHexAddress(r.Tx.To) {
		return web3.TxRequest{}, fmt.Errorf("1inch 响应缺少有效的 tx.to: %q", r.Tx.To)
	}
	var data []byte
	if raw := strings.TrimSpace(r.Tx.Data); raw != "" {
		decoded, err := hexutil.Decode(raw)
		if err != nil {
			return web3.TxRequest{}, fmt.Errorf("1inch 响应 tx.data 无效: %w", err)
		}
		data = decoded
	}
	value := new(big.Int)
	if v := strings.TrimSpace(r.Tx.Value); v != "" {
		if _, ok := value.SetString(v, 0); !ok {
			return web3.TxRequest{}, fmt.Errorf("1inch 响应 tx.value 无效: %q", v)
		}
	}
	gas, err := parseGas(r.Tx.Gas)
	if err != nil {
		return web3.TxRequest{}, err
	}
	return web3.TxRequest{
		To:    common.HexToAddress(r.Tx.To),
		Data:  data,
		Value: value,
		Gas:   gas,
	}, nil
}

// parseGas 接受数字或字符串形式的 gas，缺省时使用 300000。
func parseGas(raw json.RawMessage) (uint64, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" || text == "0" {
		return defaultGas, nil
	}
	gas, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("1inch 响应 tx.gas 无效: %q", text)
	}
	return gas, nil
}

var _ web3.Swapper = (*Client)(nil)

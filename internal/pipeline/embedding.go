package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"

	"c3-pipeline-go/internal/config"
)

// TextEmbedder 文本嵌入接口
// 决策引擎只依赖这一层，线上走HTTP嵌入服务，测试用哈希嵌入器
type TextEmbedder interface {
	// EmbedText 将单段文本转换为向量
	EmbedText(ctx context.Context, text string) ([]float64, error)

	// Dimensions 返回输出向量的维度
	Dimensions() int
}

// HTTPEmbedder 调用OpenAI兼容的嵌入端点
type HTTPEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
	baseURL    string
	logger     *log.Logger
}

// 确保实现了TextEmbedder接口
var _ TextEmbedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder 创建HTTP嵌入器
func NewHTTPEmbedder(cfg config.EmbeddingConfig) (*HTTPEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-v3" // Fallback default
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/embeddings"
	}

	return &HTTPEmbedder{
		apiKey:     cfg.APIKey,
		model:      model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{},
		baseURL:    baseURL,
		logger:     log.New(os.Stderr, "[HTTPEmbedder] ", log.LstdFlags|log.Lshortfile),
	}, nil
}

// Dimensions 返回配置的向量维度
func (e *HTTPEmbedder) Dimensions() int {
	return e.dimensions
}

// embeddingRequest 请求结构 (OpenAI compatible)
type embeddingRequest struct {
	Input          interface{} `json:"input"` // string or []string
	Model          string      `json:"model"`
	Dimensions     int         `json:"dimensions,omitempty"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
}

// embeddingResponse 响应结构 (OpenAI compatible)
type embeddingResponse struct {
	Object string               `json:"object"`
	Data   []embeddingDataEntry `json:"data"`
	Model  string               `json:"model"`
	Usage  embeddingUsage       `json:"usage"`
	ID     string               `json:"id,omitempty"`
	Error  *embeddingAPIError   `json:"error,omitempty"`
}

type embeddingDataEntry struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// embeddingAPIError API级错误，可能随200 OK返回
type embeddingAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param"`
	Code    string `json:"code"`
}

// EmbedText 将文本转换为向量
func (e *HTTPEmbedder) EmbedText(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("待嵌入文本不能为空")
	}

	reqBody := embeddingRequest{
		Input: text,
		Model: e.model,
	}
	if e.dimensions > 0 {
		reqBody.Dimensions = e.dimensions
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiError embeddingAPIError
		detailedError := fmt.Errorf("嵌入API调用失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
		// 尝试从body中解析更详细的错误信息
		if json.Unmarshal(body, &apiError) == nil && apiError.Message != "" {
			detailedError = fmt.Errorf("嵌入API调用失败, 状态码: %d, 类型: %s, 错误: %s, Code: %s",
				resp.StatusCode, apiError.Type, apiError.Message, apiError.Code)
		}
		e.logger.Printf("[HTTPEmbedder] API call failed: %v", detailedError)
		return nil, detailedError
	}

	var parsedResp embeddingResponse
	if err := json.Unmarshal(body, &parsedResp); err != nil {
		return nil, fmt.Errorf("解析响应JSON失败: %w", err)
	}

	// 检查响应中是否包含API级别的错误
	if parsedResp.Error != nil && parsedResp.Error.Message != "" {
		return nil, fmt.Errorf("嵌入API返回错误: 类型=%s, 消息='%s', Code=%s",
			parsedResp.Error.Type, parsedResp.Error.Message, parsedResp.Error.Code)
	}
	if len(parsedResp.Data) == 0 {
		return nil, fmt.Errorf("嵌入API返回空结果")
	}

	return parsedResp.Data[0].Embedding, nil
}

// HashingEmbedder 确定性哈希嵌入器
// 把文本token哈希到固定维度的桶上再归一化，不依赖外部服务，
// 适合测试环境和嵌入服务不可用时的降级
type HashingEmbedder struct {
	dimensions int
}

var _ TextEmbedder = (*HashingEmbedder)(nil)

// NewHashingEmbedder 创建哈希嵌入器，dimensions<=0时回退到64维
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &HashingEmbedder{dimensions: dimensions}
}

// Dimensions 返回向量维度
func (h *HashingEmbedder) Dimensions() int {
	return h.dimensions
}

// EmbedText 将文本映射为确定性的单位向量
// 相同文本必得相同向量，故对同一记录的重复请求余弦距离恒为0
func (h *HashingEmbedder) EmbedText(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dimensions)

	// 以3字节为滑动窗口取shingle，保证对局部改动敏感
	data := []byte(text)
	if len(data) == 0 {
		vec[0] = 1.0
		return vec, nil
	}

	windowSize := 3
	if len(data) < windowSize {
		windowSize = len(data)
	}
	for i := 0; i+windowSize <= len(data); i++ {
		sum := sha256.Sum256(data[i : i+windowSize])
		bucket := int(binary.BigEndian.Uint32(sum[:4])) % h.dimensions
		if bucket < 0 {
			bucket += h.dimensions
		}
		// 符号位消除桶内偏置
		if sum[4]&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	// 归一化成单位向量
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1.0
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

// Package tokenizer 提供会话上下文的 Token 计数，
// 支持 tiktoken 精确计数与 CJK 估算器，交接协调器据此判断上下文阈值。
package tokenizer

import (
	"sync"

	"go.uber.org/zap"
)

// Tokenizer 统一的 Token 计数接口
type Tokenizer interface {
	// CountTokens 返回文本的 token 数
	CountTokens(text string) (int, error)
	// CountMessages 返回消息列表总 token 数，含每条消息的角色/分隔符开销
	CountMessages(messages []Message) (int, error)
	// Name 返回分词器名称
	Name() string
}

// Message 轻量消息结构，避免依赖 agent/state
type Message struct {
	Role    string
	Content string
}

// New 按模型名创建分词器：优先 tiktoken，编码数据不可用时降级为估算器。
// model 为空时直接使用估算器。
func New(model string, logger *zap.Logger) Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	est := NewEstimatorTokenizer()
	if model == "" || model == "estimator" {
		return est
	}
	return &fallbackTokenizer{
		primary:  NewTiktokenTokenizer(model),
		fallback: est,
		logger:   logger.With(zap.String("component", "tokenizer")),
	}
}

// fallbackTokenizer 主分词器失败后永久切换到备用分词器
type fallbackTokenizer struct {
	primary  Tokenizer
	fallback Tokenizer
	logger   *zap.Logger

	mu       sync.RWMutex
	degraded bool
}

func (f *fallbackTokenizer) active() Tokenizer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.degraded {
		return f.fallback
	}
	return f.primary
}

func (f *fallbackTokenizer) degrade(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		f.logger.Warn("tokenizer unavailable, falling back to estimator",
			zap.String("primary", f.primary.Name()),
			zap.Error(err),
		)
		f.degraded = true
	}
}

func (f *fallbackTokenizer) CountTokens(text string) (int, error) {
	n, err := f.active().CountTokens(text)
	if err == nil {
		return n, nil
	}
	f.degrade(err)
	return f.fallback.CountTokens(text)
}

func (f *fallbackTokenizer) CountMessages(messages []Message) (int, error) {
	n, err := f.active().CountMessages(messages)
	if err == nil {
		return n, nil
	}
	f.degrade(err)
	return f.fallback.CountMessages(messages)
}

func (f *fallbackTokenizer) Name() string {
	return f.active().Name()
}

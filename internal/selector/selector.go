// Package selector 问题到schema的路由
// 先用词元重叠打分，分差过小或置信不足时升级到LLM决断
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"askdb-go/internal/catalog"
	"askdb-go/internal/config"
	"askdb-go/internal/llm"
)

// 候选来源
const (
	SourceTokenOverlap = "token-overlap"
	SourceLLMTiebreak  = "llm-tiebreak"
)

// ErrNoCandidate 没有任何可用schema
var ErrNoCandidate = errors.New("没有可用的schema候选")

// Candidate 一个schema候选及其得分
type Candidate struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

// Selection 选择结果
// TryOrder是完整的回退顺序：首选在前，其余候选按得分降序排在后面
type Selection struct {
	Preferred  string      `json:"preferred"`
	TryOrder   []string    `json:"try_order"`
	Candidates []Candidate `json:"candidates"`
}

// Selector schema选择器
type Selector struct {
	catalogs  map[string]*catalog.Catalog
	completer llm.Completer
	cache     *llm.ResultCache
	config    *config.PipelineConfig
	logger    *zap.Logger
}

// NewSelector 创建schema选择器
func NewSelector(catalogs map[string]*catalog.Catalog, completer llm.Completer, cache *llm.ResultCache, cfg *config.PipelineConfig, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		catalogs:  catalogs,
		completer: completer,
		cache:     cache,
		config:    cfg,
		logger:    logger,
	}
}

// Select 为问题选出目标schema与回退顺序
func (s *Selector) Select(ctx context.Context, question string) (*Selection, error) {
	if len(s.catalogs) == 0 {
		return nil, ErrNoCandidate
	}

	candidates := s.rank(question)

	// 单候选无需决断
	if len(candidates) == 1 {
		s.logger.Debug("仅一个schema候选，直接选用",
			zap.String("schema", candidates[0].Name))
		return buildSelection(candidates[0].Name, candidates), nil
	}

	preferred := candidates[0].Name
	if s.needsTiebreak(candidates) {
		picked, err := s.tiebreak(ctx, question, candidates)
		if err != nil {
			// 决断失败回落到词元重叠的首位
			s.logger.Warn("LLM schema决断失败，沿用词元重叠结果",
				zap.String("fallback", preferred),
				zap.Error(err))
		} else if picked != "" {
			preferred = picked
			for i := range candidates {
				if candidates[i].Name == picked {
					candidates[i].Source = SourceLLMTiebreak
				}
			}
		}
	}

	s.logger.Info("schema选择完成",
		zap.String("preferred", preferred),
		zap.Float64("top_score", candidates[0].Score),
		zap.Int("candidates", len(candidates)))

	return buildSelection(preferred, candidates), nil
}

// rank 对所有schema按词元重叠打分并降序排列
// 得分 = 问题词元与schema标识符词元的交集大小 / 标识符词元总数
func (s *Selector) rank(question string) []Candidate {
	questionTokens := make(map[string]struct{})
	for _, token := range catalog.Tokenize(question) {
		questionTokens[token] = struct{}{}
	}

	names := make([]string, 0, len(s.catalogs))
	for name := range s.catalogs {
		names = append(names, name)
	}
	sort.Strings(names)

	candidates := make([]Candidate, 0, len(names))
	for _, name := range names {
		identifiers := s.catalogs[name].IdentifierTokens()
		overlap := 0
		for token := range identifiers {
			if _, ok := questionTokens[token]; ok {
				overlap++
			}
		}
		score := 0.0
		if len(identifiers) > 0 {
			score = float64(overlap) / float64(len(identifiers))
		}
		candidates = append(candidates, Candidate{
			Name:   name,
			Score:  score,
			Source: SourceTokenOverlap,
		})
	}

	// 同分保持schema名字典序
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

// needsTiebreak 判断是否需要升级到LLM决断
// 首位得分低于下限，或前两名分差小于epsilon时升级
func (s *Selector) needsTiebreak(candidates []Candidate) bool {
	if candidates[0].Score < s.config.SelectorConfidenceFloor {
		return true
	}
	return candidates[0].Score-candidates[1].Score < s.config.SelectorEpsilon
}

// tiebreak 让LLM在候选间做一次决断
// 响应必须命中某个候选名，否则视为无效
func (s *Selector) tiebreak(ctx context.Context, question string, candidates []Candidate) (string, error) {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}

	prompt, err := llm.BuildSchemaPickPrompt(names, question)
	if err != nil {
		return "", fmt.Errorf("构造schema决断提示词失败: %w", err)
	}

	key := llm.Key(llm.KindSchemaPick, strings.Join(names, ","), question, "")
	response, err := s.cache.GetOrCompute(ctx, llm.KindSchemaPick, key, func(ctx context.Context) (string, error) {
		return s.completer.Complete(ctx, prompt)
	})
	if err != nil {
		return "", err
	}

	answer := strings.ToLower(strings.TrimSpace(response))
	for _, name := range names {
		if answer == strings.ToLower(name) || strings.Contains(answer, strings.ToLower(name)) {
			return name, nil
		}
	}
	return "", fmt.Errorf("LLM决断结果未命中任何候选: %.40q", response)
}

// buildSelection 按首选调整回退顺序
func buildSelection(preferred string, candidates []Candidate) *Selection {
	order := make([]string, 0, len(candidates))
	order = append(order, preferred)
	for _, c := range candidates {
		if c.Name != preferred {
			order = append(order, c.Name)
		}
	}
	return &Selection{
		Preferred:  preferred,
		TryOrder:   order,
		Candidates: candidates,
	}
}

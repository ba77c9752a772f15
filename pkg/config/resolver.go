package config

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Resolver 分层参数查询：品种覆盖 > 全局 > 默认值
// 合并在加载时完成，运行时只做 map 查询
type Resolver struct {
	global   Params
	resolved map[string]Params
}

// NewResolver 从全局节点和品种覆盖节点构建
// global/overrides 中缺失的键保留下层的值
func NewResolver(global *yaml.Node, overrides map[string]yaml.Node) (*Resolver, error) {
	base := DefaultParams()
	if global != nil && global.Kind != 0 {
		if err := global.Decode(&base); err != nil {
			return nil, fmt.Errorf("解析 strategy 失败: %w", err)
		}
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("strategy 参数无效: %w", err)
	}

	r := &Resolver{global: base, resolved: make(map[string]Params, len(overrides))}
	for inst, node := range overrides {
		p := base
		n := node
		if err := n.Decode(&p); err != nil {
			return nil, fmt.Errorf("解析 %s 的覆盖参数失败: %w", inst, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s 的覆盖参数无效: %w", inst, err)
		}
		r.resolved[inst] = p
	}
	return r, nil
}

// NewStaticResolver 所有品种使用同一组参数（测试/默认）
func NewStaticResolver(p Params) *Resolver {
	return &Resolver{global: p, resolved: map[string]Params{}}
}

// For 返回品种的参数副本
func (r *Resolver) For(inst string) Params {
	if p, ok := r.resolved[inst]; ok {
		return p
	}
	return r.global
}

// Global 全局参数
func (r *Resolver) Global() Params {
	return r.global
}

// Overridden 有覆盖配置的品种
func (r *Resolver) Overridden() []string {
	out := make([]string, 0, len(r.resolved))
	for inst := range r.resolved {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"alertflow/internal/domain"
)

// ConfigRules serves rules loaded from config snapshot.
// Params: guarded rule map keyed by rule ID.
// Returns: RuleStore implementation.
type ConfigRules struct {
	mu    sync.RWMutex
	rules map[string]domain.AlertRule
}

// NewConfigRules creates rule store from config rules.
// Params: validated rules from config snapshot.
// Returns: populated rule store.
func NewConfigRules(rules []domain.AlertRule) *ConfigRules {
	store := &ConfigRules{rules: make(map[string]domain.AlertRule, len(rules))}
	for _, rule := range rules {
		store.rules[rule.ID] = cloneRule(rule)
	}
	return store
}

// EnabledRules returns enabled rules ordered by ID.
// Params: none.
// Returns: rule copies.
func (s *ConfigRules) EnabledRules(_ context.Context) ([]domain.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Enabled {
			out = append(out, cloneRule(rule))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRule returns one rule by ID.
// Params: rule ID.
// Returns: rule copy or ErrNotFound.
func (s *ConfigRules) GetRule(_ context.Context, ruleID string) (domain.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return domain.AlertRule{}, fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	return cloneRule(rule), nil
}

// SaveRule validates and upserts rule.
// Params: rule definition.
// Returns: validation error.
func (s *ConfigRules) SaveRule(_ context.Context, rule domain.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func cloneRule(rule domain.AlertRule) domain.AlertRule {
	rule.Channels = append([]domain.ChannelType(nil), rule.Channels...)
	rule.Tags = append([]string(nil), rule.Tags...)
	if rule.Metadata != nil {
		metadata := make(map[string]string, len(rule.Metadata))
		for key, value := range rule.Metadata {
			metadata[key] = value
		}
		rule.Metadata = metadata
	}
	return rule
}

// ConfigChannels serves notification channels loaded from config snapshot.
// Params: channels in config order.
// Returns: ChannelStore implementation.
type ConfigChannels struct {
	channels []domain.NotificationChannel
}

// NewConfigChannels creates channel store from config channels.
// Params: validated channels from config snapshot.
// Returns: populated channel store.
func NewConfigChannels(channels []domain.NotificationChannel) *ConfigChannels {
	out := make([]domain.NotificationChannel, 0, len(channels))
	for _, channel := range channels {
		out = append(out, cloneChannel(channel))
	}
	return &ConfigChannels{channels: out}
}

// EnabledChannels lists enabled channels, optionally restricted to given types.
// Params: optional channel type filter; empty means all types.
// Returns: channel copies in config order.
func (s *ConfigChannels) EnabledChannels(_ context.Context, types ...domain.ChannelType) ([]domain.NotificationChannel, error) {
	wanted := make(map[domain.ChannelType]struct{}, len(types))
	for _, channelType := range types {
		wanted[channelType] = struct{}{}
	}
	out := make([]domain.NotificationChannel, 0, len(s.channels))
	for _, channel := range s.channels {
		if !channel.Enabled {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[channel.Type]; !ok {
				continue
			}
		}
		out = append(out, cloneChannel(channel))
	}
	return out, nil
}

// GetChannel returns one channel by ID.
// Params: channel ID.
// Returns: channel copy or ErrNotFound.
func (s *ConfigChannels) GetChannel(_ context.Context, channelID string) (domain.NotificationChannel, error) {
	for _, channel := range s.channels {
		if channel.ID == channelID {
			return cloneChannel(channel), nil
		}
	}
	return domain.NotificationChannel{}, fmt.Errorf("channel %q: %w", channelID, ErrNotFound)
}

// ChannelsByType lists channels of one type regardless of enabled flag.
// Params: channel type.
// Returns: channel copies in config order.
func (s *ConfigChannels) ChannelsByType(_ context.Context, channelType domain.ChannelType) ([]domain.NotificationChannel, error) {
	out := make([]domain.NotificationChannel, 0)
	for _, channel := range s.channels {
		if channel.Type == channelType {
			out = append(out, cloneChannel(channel))
		}
	}
	return out, nil
}

func cloneChannel(channel domain.NotificationChannel) domain.NotificationChannel {
	if channel.Config != nil {
		config := make(map[string]string, len(channel.Config))
		for key, value := range channel.Config {
			config[key] = value
		}
		channel.Config = config
	}
	return channel
}

// ConfigTemplates serves notification templates loaded from config snapshot.
// Params: templates in config order.
// Returns: TemplateStore implementation.
type ConfigTemplates struct {
	templates []domain.NotificationTemplate
}

// NewConfigTemplates creates template store from config templates.
// Params: validated templates from config snapshot.
// Returns: populated template store.
func NewConfigTemplates(templates []domain.NotificationTemplate) *ConfigTemplates {
	return &ConfigTemplates{templates: append([]domain.NotificationTemplate(nil), templates...)}
}

// GetTemplate returns template by channel type and name.
// Params: channel type and template name; empty name means "default".
// Returns: named template; for "default" the first template of that type when none is named so.
func (s *ConfigTemplates) GetTemplate(_ context.Context, channelType domain.ChannelType, name string) (domain.NotificationTemplate, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "default"
	}
	var first *domain.NotificationTemplate
	for i := range s.templates {
		tmpl := &s.templates[i]
		if tmpl.ChannelType != channelType {
			continue
		}
		if strings.EqualFold(tmpl.Name, name) {
			return *tmpl, nil
		}
		if first == nil {
			first = tmpl
		}
	}
	if name == "default" && first != nil {
		return *first, nil
	}
	return domain.NotificationTemplate{}, fmt.Errorf("template %s/%s: %w", channelType, name, ErrNotFound)
}

// AlertTemplate returns template bound to channel type and severity.
// Params: channel type and alert severity.
// Returns: first matching template or ErrNotFound.
func (s *ConfigTemplates) AlertTemplate(_ context.Context, channelType domain.ChannelType, severity domain.Severity) (domain.NotificationTemplate, error) {
	for _, tmpl := range s.templates {
		if tmpl.ChannelType == channelType && strings.EqualFold(tmpl.Severity, string(severity)) {
			return tmpl, nil
		}
	}
	return domain.NotificationTemplate{}, fmt.Errorf("template %s/%s: %w", channelType, severity, ErrNotFound)
}

package events

import (
	"strings"

	"github.com/aristath/tradecore/internal/domain"
)

// Topic prefixes
const (
	AccountTopicPrefix = "account:"
	SymbolTopicPrefix  = "symbol:"
)

// TopicKind distinguishes account and symbol topics
type TopicKind string

const (
	TopicAccount TopicKind = "account"
	TopicSymbol  TopicKind = "symbol"
)

// AccountTopic returns the topic carrying snapshots and order updates for an account
func AccountTopic(accountID string) string {
	return AccountTopicPrefix + accountID
}

// SymbolTopic returns the topic carrying quotes and risk events for a symbol
func SymbolTopic(symbol string) string {
	return SymbolTopicPrefix + symbol
}

// ParseTopic splits a topic into its kind and key
func ParseTopic(topic string) (TopicKind, string, error) {
	switch {
	case strings.HasPrefix(topic, AccountTopicPrefix) && len(topic) > len(AccountTopicPrefix):
		return TopicAccount, strings.TrimPrefix(topic, AccountTopicPrefix), nil
	case strings.HasPrefix(topic, SymbolTopicPrefix) && len(topic) > len(SymbolTopicPrefix):
		return TopicSymbol, strings.ToUpper(strings.TrimPrefix(topic, SymbolTopicPrefix)), nil
	default:
		return "", "", domain.ErrInvalidTopic
	}
}

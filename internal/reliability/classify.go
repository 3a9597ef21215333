package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Category groups errors by how they should be handled.
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryDatabase    Category = "database"
	CategoryValidation  Category = "validation"
	CategoryResource    Category = "resource"
	CategorySecurity    Category = "security"
	CategoryExternalAPI Category = "external_api"
	CategorySystem      Category = "system"
)

// Severity ranks how urgently an error needs attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Classifier assigns a category to an error.
type Classifier func(err error) Category

type rule struct {
	category Category
	keywords []string
}

// Checked in order; the first match wins.
var classifierRules = []rule{
	{CategoryDatabase, []string{"database", "sql", "postgres", "mysql", "redis", "query", "transaction", "deadlock"}},
	{CategorySecurity, []string{"unauthorized", "forbidden", "permission denied", "auth", "token", "credential", "certificate", "security"}},
	{CategoryValidation, []string{"validation", "invalid", "malformed", "required", "must be", "parse"}},
	{CategoryResource, []string{"out of memory", "memory", "disk", "quota", "resource", "exhausted", "too many open files", "no space"}},
	{CategoryNetwork, []string{"connection", "network", "timeout", "timed out", "deadline", "dial", "refused", "unreachable", "no such host", "reset by peer", "eof"}},
	{CategoryExternalAPI, []string{"api", "status code", "rate limit", "upstream", "bad gateway", "service unavailable"}},
}

// DefaultClassifier matches keywords in the error's type name and message.
// It is a heuristic: callers that know better should Tag the error.
func DefaultClassifier(err error) Category {
	if err == nil {
		return CategorySystem
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	text := strings.ToLower(fmt.Sprintf("%T %s", err, err.Error()))
	for _, r := range classifierRules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return r.category
			}
		}
	}
	return CategorySystem
}

// SeverityOf derives severity from the category and the error text.
func SeverityOf(c Category, err error) Severity {
	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	switch {
	case containsAny(msg, "fatal", "emergency", "security"):
		return SeverityCritical
	case c == CategorySecurity, c == CategoryDatabase, containsAny(msg, "auth"):
		return SeverityHigh
	case c == CategoryNetwork, c == CategoryResource, c == CategoryExternalAPI:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package citations rewrites raw URLs in generated text into numbered
// references with an appended source block.
//
// Annotation is purely presentational and must never break a response:
// any internal failure returns the input text unchanged.
package citations

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// sourceMarker heads the appended source block. Its presence in the input
// means the text was already annotated; Annotate is idempotent.
const sourceMarker = "📚 출처"

// TrustTier classifies a cited domain for display purposes.
type TrustTier int

const (
	TierGeneral TrustTier = iota
	TierNews
	TierGovernment
)

func (t TrustTier) icon() string {
	switch t {
	case TierNews:
		return "📰"
	case TierGovernment:
		return "🏛️"
	default:
		return "🔗"
	}
}

// Source is one cited URL with its assigned reference number.
type Source struct {
	Index int
	URL   string
	Name  string
	Tier  TrustTier
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// newsDomains maps known news hosts to display names. Unlisted hosts fall
// back to the registrable domain as the name.
var newsDomains = map[string]string{
	"chosun.com":     "조선일보",
	"joongang.co.kr": "중앙일보",
	"donga.com":      "동아일보",
	"hani.co.kr":     "한겨레",
	"yna.co.kr":      "연합뉴스",
	"kbs.co.kr":      "KBS",
	"mbc.co.kr":      "MBC",
	"sbs.co.kr":      "SBS",
	"bbc.com":        "BBC",
	"bbc.co.uk":      "BBC",
	"cnn.com":        "CNN",
	"reuters.com":    "Reuters",
	"nytimes.com":    "The New York Times",
	"apnews.com":     "AP News",
	"bloomberg.com":  "Bloomberg",
}

// Annotate replaces every raw URL in text with a numbered reference [n]
// and appends a source block listing each distinct URL once, in first
// appearance order. Text without URLs, or already-annotated text, is
// returned unchanged.
func Annotate(text string) (result string) {
	// Malformed URLs or an unexpected panic must not lose the response.
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("citation annotation recovered", "panic", r)
			result = text
		}
	}()

	if text == "" || strings.Contains(text, sourceMarker) {
		return text
	}

	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return text
	}

	sources := make([]Source, 0, len(matches))
	indexByURL := make(map[string]int, len(matches))

	annotated := urlPattern.ReplaceAllStringFunc(text, func(raw string) string {
		trimmed, trailing := trimTrailingPunct(raw)
		idx, ok := indexByURL[trimmed]
		if !ok {
			idx = len(sources) + 1
			indexByURL[trimmed] = idx
			sources = append(sources, classify(idx, trimmed))
		}
		return fmt.Sprintf("[%d]%s", idx, trailing)
	})

	var b strings.Builder
	b.WriteString(annotated)
	b.WriteString("\n\n")
	b.WriteString(sourceMarker)
	b.WriteString("\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "[%d] %s %s - %s\n", src.Index, src.Tier.icon(), src.Name, src.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// trimTrailingPunct splits sentence punctuation that the URL regex greedily
// captured off the end of a match.
func trimTrailingPunct(raw string) (clean, trailing string) {
	clean = raw
	for len(clean) > 0 {
		last := clean[len(clean)-1]
		if strings.ContainsRune(".,;:!?", rune(last)) {
			trailing = string(last) + trailing
			clean = clean[:len(clean)-1]
			continue
		}
		break
	}
	return clean, trailing
}

func classify(index int, raw string) Source {
	src := Source{Index: index, URL: raw, Tier: TierGeneral}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		src.Name = raw
		return src
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	src.Name = host

	if name, ok := matchNewsDomain(host); ok {
		src.Tier = TierNews
		src.Name = name
		return src
	}
	if isGovernmentHost(host) {
		src.Tier = TierGovernment
	}
	return src
}

// matchNewsDomain checks the host and its parent domains against the news
// table, so "news.chosun.com" matches "chosun.com".
func matchNewsDomain(host string) (string, bool) {
	for h := host; h != ""; {
		if name, ok := newsDomains[h]; ok {
			return name, true
		}
		i := strings.Index(h, ".")
		if i < 0 {
			break
		}
		h = h[i+1:]
	}
	return "", false
}

func isGovernmentHost(host string) bool {
	return strings.HasSuffix(host, ".go.kr") ||
		strings.HasSuffix(host, ".gov") ||
		strings.Contains(host, ".gov.") ||
		strings.HasSuffix(host, ".or.kr")
}

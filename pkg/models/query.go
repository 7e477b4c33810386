package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Display types
const (
	DisplayLatest = "Latest"
	DisplayTop    = "Top"
)

// Tweet type filters
const (
	TweetTypeAll             = "all"
	TweetTypeOriginalsOnly   = "originals_only"
	TweetTypeRepliesOnly     = "replies_only"
	TweetTypeRetweetsOnly    = "retweets_only"
	TweetTypeExcludeReplies  = "exclude_replies"
	TweetTypeExcludeRetweets = "exclude_retweets"
)

// SearchRequest is the normalized search input. Since/Until use the task
// timestamp format or plain dates.
type SearchRequest struct {
	SearchQuery     string   `json:"search_query,omitempty"`
	Since           string   `json:"since"`
	Until           string   `json:"until,omitempty"`
	AllWords        []string `json:"all_words,omitempty"`
	AnyWords        []string `json:"any_words,omitempty"`
	ExactPhrases    []string `json:"exact_phrases,omitempty"`
	ExcludeWords    []string `json:"exclude_words,omitempty"`
	Hashtags        []string `json:"hashtags_any,omitempty"`
	ExcludeHashtags []string `json:"hashtags_exclude,omitempty"`
	FromUsers       []string `json:"from_users,omitempty"`
	ToUsers         []string `json:"to_users,omitempty"`
	MentioningUsers []string `json:"mentioning_users,omitempty"`
	Lang            string   `json:"lang,omitempty"`
	TweetType       string   `json:"tweet_type,omitempty"`
	VerifiedOnly    bool     `json:"verified_only,omitempty"`
	HasImages       bool     `json:"has_images,omitempty"`
	HasVideos       bool     `json:"has_videos,omitempty"`
	HasLinks        bool     `json:"has_links,omitempty"`
	MinLikes        int      `json:"min_likes,omitempty"`
	MinReplies      int      `json:"min_replies,omitempty"`
	MinRetweets     int      `json:"min_retweets,omitempty"`
	Place           string   `json:"place,omitempty"`
	Near            string   `json:"near,omitempty"`
	Within          string   `json:"within,omitempty"`
	DisplayType     string   `json:"display_type,omitempty"`

	// Run controls. They never change which items match, so the query hash
	// ignores them.
	Limit         int    `json:"limit,omitempty"`
	Resume        bool   `json:"resume,omitempty"`
	QueryHash     string `json:"query_hash,omitempty"`
	InitialCursor string `json:"initial_cursor,omitempty"`
}

// Product maps the display type onto the upstream product name.
func (r SearchRequest) Product() string {
	if strings.EqualFold(r.DisplayType, DisplayTop) {
		return DisplayTop
	}
	return DisplayLatest
}

// Normalize trims list values, strips leading @ from handles and # from
// hashtags, and drops blanks.
func (r SearchRequest) Normalize() SearchRequest {
	out := r
	out.SearchQuery = strings.TrimSpace(r.SearchQuery)
	out.AllWords = cleanList(r.AllWords, "")
	out.AnyWords = cleanList(r.AnyWords, "")
	out.ExactPhrases = cleanList(r.ExactPhrases, "")
	out.ExcludeWords = cleanList(r.ExcludeWords, "")
	out.Hashtags = cleanList(r.Hashtags, "#")
	out.ExcludeHashtags = cleanList(r.ExcludeHashtags, "#")
	out.FromUsers = cleanList(r.FromUsers, "@")
	out.ToUsers = cleanList(r.ToUsers, "@")
	out.MentioningUsers = cleanList(r.MentioningUsers, "@")
	out.Lang = strings.TrimSpace(r.Lang)
	out.TweetType = strings.ToLower(strings.TrimSpace(r.TweetType))
	if out.TweetType == "" {
		out.TweetType = TweetTypeAll
	}
	out.DisplayType = r.Product()
	return out
}

// HasCriteria reports whether the request would match something narrower
// than "everything in the date range".
func (r SearchRequest) HasCriteria() bool {
	return r.SearchQuery != "" || len(r.AllWords) > 0 || len(r.AnyWords) > 0 ||
		len(r.ExactPhrases) > 0 || len(r.Hashtags) > 0 || len(r.FromUsers) > 0 ||
		len(r.ToUsers) > 0 || len(r.MentioningUsers) > 0
}

func cleanList(values []string, prefix string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if prefix != "" {
			v = strings.TrimLeft(v, prefix)
		}
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

var (
	minOperatorRe    = regexp.MustCompile(`(?i)(^|[^A-Za-z0-9_])min_[a-z_]+:`)
	filterOperatorRe = regexp.MustCompile(`(?i)(^|[^A-Za-z0-9_])-?filter:[a-z_]+\b`)
)

func hasOperator(query, name string) bool {
	re := regexp.MustCompile(`(?i)(^|[^A-Za-z0-9_])` + regexp.QuoteMeta(name) + `:`)
	return re.MatchString(query)
}

func formatTerm(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) && len(text) > 1 {
		return text
	}
	if strings.ContainsAny(text, " \t\n") {
		return `"` + text + `"`
	}
	return text
}

func timeToken(ts string) string {
	return strings.TrimSuffix(strings.TrimSpace(ts), "_UTC")
}

func group(joiner string, items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		if joiner == "OR" {
			return items[0]
		}
	}
	return "(" + strings.Join(items, " "+joiner+" ") + ")"
}

func operatorGroup(op string, values []string) string {
	items := make([]string, 0, len(values))
	for _, v := range values {
		items = append(items, op+":"+v)
	}
	return group("OR", items)
}

func formatAll(values []string, prefix string) []string {
	var out []string
	for _, v := range values {
		if t := formatTerm(v); t != "" {
			out = append(out, prefix+t)
		}
	}
	return out
}

// RawQuery builds the upstream search string for the window [since, until].
// Operators already present in SearchQuery are not repeated.
func (r SearchRequest) RawQuery(since, until string) string {
	q := r.SearchQuery
	var parts []string
	if q != "" {
		parts = append(parts, q)
	}

	if all := formatAll(r.AllWords, ""); len(all) > 0 {
		parts = append(parts, "("+strings.Join(all, " AND ")+")")
	}
	if anyWords := formatAll(r.AnyWords, ""); len(anyWords) > 0 {
		parts = append(parts, "("+strings.Join(anyWords, " OR ")+")")
	}
	if phrases := formatAll(r.ExactPhrases, ""); len(phrases) > 0 {
		parts = append(parts, "("+strings.Join(phrases, " AND ")+")")
	}
	for _, w := range formatAll(r.ExcludeWords, "") {
		parts = append(parts, "-"+w)
	}
	if tags := prefixed(r.Hashtags, "#"); len(tags) > 0 {
		parts = append(parts, "("+strings.Join(tags, " OR ")+")")
	}
	for _, tag := range prefixed(r.ExcludeHashtags, "#") {
		parts = append(parts, "-"+tag)
	}

	if !hasOperator(q, "from") {
		if g := operatorGroup("from", r.FromUsers); g != "" {
			parts = append(parts, g)
		}
	}
	if !hasOperator(q, "to") {
		if g := operatorGroup("to", r.ToUsers); g != "" {
			parts = append(parts, g)
		}
	}
	if g := group("OR", prefixed(r.MentioningUsers, "@")); g != "" {
		parts = append(parts, g)
	}
	if r.Lang != "" && !hasOperator(q, "lang") {
		parts = append(parts, "lang:"+r.Lang)
	}

	if !filterOperatorRe.MatchString(q) {
		switch r.TweetType {
		case TweetTypeOriginalsOnly:
			parts = append(parts, "-filter:replies", "-filter:retweets")
		case TweetTypeRepliesOnly:
			parts = append(parts, "filter:replies")
		case TweetTypeRetweetsOnly:
			parts = append(parts, "filter:retweets")
		case TweetTypeExcludeReplies:
			parts = append(parts, "-filter:replies")
		case TweetTypeExcludeRetweets:
			parts = append(parts, "-filter:retweets")
		}
		if r.VerifiedOnly {
			parts = append(parts, "filter:verified")
		}
		if r.HasImages {
			parts = append(parts, "filter:images")
		}
		if r.HasVideos {
			parts = append(parts, "filter:videos")
		}
		if r.HasLinks {
			parts = append(parts, "filter:links")
		}
	}

	if !minOperatorRe.MatchString(q) {
		if r.MinLikes > 0 {
			parts = append(parts, fmt.Sprintf("min_faves:%d", r.MinLikes))
		}
		if r.MinReplies > 0 {
			parts = append(parts, fmt.Sprintf("min_replies:%d", r.MinReplies))
		}
		if r.MinRetweets > 0 {
			parts = append(parts, fmt.Sprintf("min_retweets:%d", r.MinRetweets))
		}
	}

	if since != "" && !hasOperator(q, "since") {
		parts = append(parts, "since:"+timeToken(since))
	}
	if until != "" && !hasOperator(q, "until") {
		parts = append(parts, "until:"+timeToken(until))
	}

	if !hasOperator(q, "place") && !hasOperator(q, "near") && !hasOperator(q, "within") {
		switch {
		case r.Place != "":
			parts = append(parts, "place:"+r.Place)
		case r.Near != "":
			parts = append(parts, "near:"+formatTerm(r.Near))
			if r.Within != "" {
				parts = append(parts, "within:"+r.Within)
			}
		case r.Within != "":
			parts = append(parts, "within:"+r.Within)
		}
	}

	return strings.TrimSpace(strings.Join(parts, " "))
}

func prefixed(values []string, prefix string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimLeft(strings.TrimSpace(v), prefix)
		if v != "" {
			out = append(out, prefix+v)
		}
	}
	return out
}

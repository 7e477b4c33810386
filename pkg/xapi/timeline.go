package xapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"xscraper/pkg/models"
)

// searchTimelineResponse is the SearchTimeline GraphQL payload.
type searchTimelineResponse struct {
	Data struct {
		SearchByRawQuery struct {
			SearchTimeline struct {
				Timeline struct {
					Instructions []instruction `json:"instructions"`
				} `json:"timeline"`
			} `json:"search_timeline"`
		} `json:"search_by_raw_query"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type graphQLError struct {
	Message    string                 `json:"message"`
	Extensions map[string]interface{} `json:"extensions"`
}

type instruction struct {
	Type    string  `json:"type"`
	Entries []entry `json:"entries"`
	Entry   *entry  `json:"entry"`
}

type entry struct {
	EntryID string       `json:"entryId"`
	Content entryContent `json:"content"`
}

type entryContent struct {
	Value       string `json:"value"`
	CursorType  string `json:"cursorType"`
	ItemContent *struct {
		TweetResults struct {
			Result json.RawMessage `json:"result"`
		} `json:"tweet_results"`
	} `json:"itemContent"`
}

type tweetResult struct {
	Typename string       `json:"__typename"`
	RestID   string       `json:"rest_id"`
	Tweet    *tweetResult `json:"tweet"`
	Core     struct {
		UserResults struct {
			Result struct {
				Legacy userNames `json:"legacy"`
				Core   userNames `json:"core"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy    tweetLegacy `json:"legacy"`
	NoteTweet struct {
		NoteTweetResults struct {
			Result struct {
				Text string `json:"text"`
			} `json:"result"`
		} `json:"note_tweet_results"`
	} `json:"note_tweet"`
}

type userNames struct {
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
}

type tweetLegacy struct {
	IDStr         string      `json:"id_str"`
	CreatedAt     string      `json:"created_at"`
	FullText      string      `json:"full_text"`
	Lang          string      `json:"lang"`
	ReplyCount    json.Number `json:"reply_count"`
	RetweetCount  json.Number `json:"retweet_count"`
	FavoriteCount json.Number `json:"favorite_count"`
	QuoteCount    json.Number `json:"quote_count"`
	Extended      struct {
		Media []struct {
			MediaURLHTTPS string `json:"media_url_https"`
		} `json:"media"`
	} `json:"extended_entities"`
}

// graphQLErrorStatus maps GraphQL errors onto the HTTP status the rest of the
// pipeline understands. ok is false when no error is recognised.
func graphQLErrorStatus(errs []graphQLError) (int, bool) {
	for _, e := range errs {
		msg := strings.ToLower(e.Message)
		code := ""
		if e.Extensions != nil {
			if v, ok := e.Extensions["code"]; ok && v != nil {
				code = strings.ToUpper(fmt.Sprint(v))
			} else if v, ok := e.Extensions["errorType"]; ok && v != nil {
				code = strings.ToUpper(fmt.Sprint(v))
			}
		}

		switch {
		case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
			code == "RATE_LIMITED" || code == "RATE_LIMIT":
			return 429, true
		case strings.Contains(msg, "auth") || strings.Contains(msg, "unauthorized") ||
			code == "UNAUTHORIZED" || code == "AUTHENTICATION_ERROR":
			return 401, true
		case strings.Contains(msg, "forbidden") || strings.Contains(msg, "suspended") ||
			code == "FORBIDDEN" || code == "ACCOUNT_SUSPENDED":
			return 403, true
		}
	}
	return 0, false
}

// extractItems walks the timeline instructions and returns the tweets and the
// bottom cursor.
func extractItems(resp *searchTimelineResponse) ([]models.Item, string) {
	var items []models.Item
	cursor := ""

	for _, ins := range resp.Data.SearchByRawQuery.SearchTimeline.Timeline.Instructions {
		entries := ins.Entries
		if ins.Entry != nil {
			entries = append(entries, *ins.Entry)
		}

		for _, e := range entries {
			switch {
			case strings.HasPrefix(e.EntryID, "cursor-bottom") || strings.EqualFold(e.Content.CursorType, "Bottom"):
				if e.Content.Value != "" {
					cursor = e.Content.Value
				}
			case strings.HasPrefix(e.EntryID, "tweet-"):
				if item, ok := toItem(e); ok {
					items = append(items, item)
				}
			}
		}
	}
	return items, cursor
}

func toItem(e entry) (models.Item, bool) {
	if e.Content.ItemContent == nil || len(e.Content.ItemContent.TweetResults.Result) == 0 {
		return models.Item{}, false
	}
	raw := e.Content.ItemContent.TweetResults.Result

	var outer tweetResult
	if err := json.Unmarshal(raw, &outer); err != nil {
		return models.Item{}, false
	}
	tweet := &outer
	if outer.Tweet != nil {
		tweet = outer.Tweet
	}

	id := firstNonBlank(tweet.Legacy.IDStr, tweet.RestID, strings.TrimPrefix(e.EntryID, "tweet-"))
	if id == "" {
		return models.Item{}, false
	}

	user := tweet.Core.UserResults.Result
	screenName := firstNonBlank(user.Core.ScreenName, user.Legacy.ScreenName)
	displayName := firstNonBlank(user.Core.Name, user.Legacy.Name)

	item := models.Item{
		ID:          id,
		Username:    screenName,
		DisplayName: displayName,
		CreatedAt:   tweet.Legacy.CreatedAt,
		Text:        firstNonBlank(tweet.NoteTweet.NoteTweetResults.Result.Text, tweet.Legacy.FullText),
		Replies:     toInt(tweet.Legacy.ReplyCount),
		Retweets:    toInt(tweet.Legacy.RetweetCount),
		Likes:       toInt(tweet.Legacy.FavoriteCount),
		Quotes:      toInt(tweet.Legacy.QuoteCount),
		Lang:        tweet.Legacy.Lang,
		Raw:         append(json.RawMessage(nil), raw...),
	}
	for _, m := range tweet.Legacy.Extended.Media {
		if m.MediaURLHTTPS != "" {
			item.MediaURLs = append(item.MediaURLs, m.MediaURLHTTPS)
		}
	}
	if screenName != "" {
		item.URL = fmt.Sprintf("https://x.com/%s/status/%s", screenName, id)
	}
	return item, true
}

func toInt(n json.Number) int {
	if n == "" {
		return 0
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return 0
	}
	return v
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Package xapi is the upstream web API client.
//
// A SessionBuilder turns a pooled account into an authenticated *Session:
// cookie jar seeded with the account cookies, optional per-account proxy and
// the web client headers (bearer, csrf token, client language). A Client then
// issues SearchTimeline GraphQL requests through that session and flattens
// the timeline into models.Item values plus the bottom cursor.
//
// Upstream failures never surface as Go errors; they are reported as status
// codes on models.SearchResponse so the runner can apply cooldowns:
//
//	resp, err := client.Search(ctx, xapi.SearchCall{Request: req, Since: since, Until: until, Session: s})
//	if err != nil {
//	    // the request could not be built
//	}
//	if resp.StatusCode != http.StatusOK {
//	    // 401/403 auth, 429 rate limit, 598 bad body, 599 transport
//	}
package xapi

package auth

import (
	"fmt"
	"io"
	"strings"
)

// WriteTokenGuide prints how to copy the auth_token and ct0 cookies out of a
// logged-in browser.
func WriteTokenGuide(w io.Writer) {
	rule := strings.Repeat("=", 72)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "ACCOUNT COOKIE GUIDE")
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "1. Log in at https://x.com in your browser.")
	fmt.Fprintln(w, "2. Open Developer Tools (F12, or Cmd+Option+I on macOS).")
	fmt.Fprintln(w, "3. Application (Chrome) or Storage (Firefox) > Cookies > https://x.com")
	fmt.Fprintln(w, "4. Copy these values:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "   auth_token   40 hex characters, required")
	fmt.Fprintln(w, "   ct0          csrf token, optional (fetched from auth_token when missing)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "These cookies give full access to the account. Use secondary accounts")
	fmt.Fprintln(w, "and keep them in the encrypted vault (xscraper accounts import --encrypted).")
	fmt.Fprintln(w, rule)
}

// Package markdown converts generated markdown replies into plain text for
// channels that do not render formatting.
package markdown

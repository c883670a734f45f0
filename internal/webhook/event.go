// ABOUTME: Normalized webhook event and the extractors for messaging forms and scheduling JSON
// ABOUTME: Scheduling payloads are read with gjson paths instead of full struct decoding

package webhook

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/concierge-gateway/internal/conversation"
)

// Source names the webhook an event came from.
type Source string

const (
	SourceMessaging  Source = "messaging"
	SourceScheduling Source = "scheduling"
)

// TypeMessage is the event type of every messaging event.
const TypeMessage = "message"

// MediaPlaceholder is the content of a media message without text.
const MediaPlaceholder = "[media]"

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingActor     = errors.New("missing actor identifier")
	ErrMissingContent   = errors.New("missing message content")
	ErrEventNotAllowed  = errors.New("event type not allowed")
)

// Event is an inbound webhook reduced to the fields the pipeline needs.
type Event struct {
	Source     Source
	ActorID    string // normalized, used as the conversation key
	ReplyTo    string // address to reply to, channel prefix kept
	Type       string
	Content    string
	MessageID  string
	Media      bool
	Metadata   map[string]string
	ReceivedAt time.Time
}

// ExtractMessaging builds an Event from a messaging webhook form.
// Media without text becomes "[media]"; a shared location becomes
// "[location lat,lng]".
func ExtractMessaging(form url.Values, receivedAt time.Time) (Event, error) {
	from := strings.TrimSpace(form.Get("From"))
	ev := Event{
		Source:     SourceMessaging,
		ActorID:    conversation.NormalizeActorID(from),
		ReplyTo:    from,
		Type:       TypeMessage,
		Content:    strings.TrimSpace(form.Get("Body")),
		MessageID:  strings.TrimSpace(form.Get("MessageSid")),
		Metadata:   map[string]string{},
		ReceivedAt: receivedAt,
	}

	if n, err := strconv.Atoi(form.Get("NumMedia")); err == nil && n > 0 {
		ev.Media = true
		setIf(ev.Metadata, "media_url", form.Get("MediaUrl0"))
		setIf(ev.Metadata, "media_type", form.Get("MediaContentType0"))
		if ev.Content == "" {
			ev.Content = MediaPlaceholder
		}
	}

	lat, lng := form.Get("Latitude"), form.Get("Longitude")
	if lat != "" && lng != "" {
		ev.Metadata["latitude"] = lat
		ev.Metadata["longitude"] = lng
		if ev.Content == "" {
			ev.Content = "[location " + lat + "," + lng + "]"
		}
	}

	setIf(ev.Metadata, "profile_name", form.Get("ProfileName"))
	if channel := conversation.ChannelPrefix(from); channel != "" {
		ev.Metadata["channel"] = channel
	}

	if ev.ActorID == "" {
		return ev, ErrMissingActor
	}
	if ev.Content == "" {
		return ev, ErrMissingContent
	}
	return ev, nil
}

// ExtractScheduling builds an Event from a scheduling webhook JSON body.
// It does not check the event type against an allow-list.
func ExtractScheduling(body []byte, receivedAt time.Time) (Event, error) {
	if !gjson.ValidBytes(body) {
		return Event{}, ErrMalformedPayload
	}
	fields := gjson.GetManyBytes(body,
		"event",
		"payload.invitee.name",
		"payload.invitee.email",
		"payload.invitee.text_reminder_number",
		"payload.invitee.uri",
		"payload.event.name",
		"payload.event.start_time",
		"payload.event.uri",
	)

	number := strings.TrimSpace(fields[3].String())
	ev := Event{
		Source:     SourceScheduling,
		ActorID:    conversation.NormalizeActorID(number),
		ReplyTo:    number,
		Type:       fields[0].String(),
		MessageID:  fields[4].String(),
		Metadata:   map[string]string{},
		ReceivedAt: receivedAt,
	}
	setIf(ev.Metadata, "invitee_name", fields[1].String())
	setIf(ev.Metadata, "invitee_email", fields[2].String())
	setIf(ev.Metadata, "event_name", fields[5].String())
	setIf(ev.Metadata, "start_time", fields[6].String())
	setIf(ev.Metadata, "event_uri", fields[7].String())
	ev.Content = ev.Metadata["event_name"]

	if ev.Type == "" {
		return ev, ErrMalformedPayload
	}
	return ev, nil
}

func setIf(m map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		m[key] = value
	}
}

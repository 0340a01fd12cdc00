package queues

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

type EnvelopeKind int

const (
	KindUnrecognized EnvelopeKind = iota
	KindRecords
	KindSNS
	KindEventBridge
	KindTestEvent
)

func (k EnvelopeKind) String() string {
	switch k {
	case KindRecords:
		return "records"
	case KindSNS:
		return "sns"
	case KindEventBridge:
		return "eventbridge"
	case KindTestEvent:
		return "test"
	default:
		return "unrecognized"
	}
}

// ObjectEvent is one storage notification about one object.
type ObjectEvent struct {
	EventName string // empty when the envelope carries no event type
	Bucket    string
	Key       string // decoded
	Size      *int64
}

// IsObjectCreated reports whether the event should mark a file uploaded.
func (e ObjectEvent) IsObjectCreated() bool {
	return e.EventName == "" || strings.HasPrefix(e.EventName, "ObjectCreated:")
}

type Envelope struct {
	Kind   EnvelopeKind
	Events []ObjectEvent
}

var ErrMalformedEnvelope = errors.New("malformed notification envelope")

type s3Record struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size *int64 `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

type snsNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

type eventBridgeEvent struct {
	DetailType string `json:"detail-type"`
	Detail     struct {
		Reason string `json:"reason"`
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size *int64 `json:"size"`
		} `json:"object"`
		RequestParameters struct {
			BucketName string `json:"bucketName"`
			Key        string `json:"key"`
		} `json:"requestParameters"`
	} `json:"detail"`
}

// ParseEnvelope classifies body by its discriminating top-level fields and
// hands it to the parser for that shape.
func ParseEnvelope(body []byte) (Envelope, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEnvelope, err)
	}

	switch {
	case isTestEvent(top):
		return Envelope{Kind: KindTestEvent}, nil
	case top["Records"] != nil:
		events, err := parseRecords(body)
		return Envelope{Kind: KindRecords, Events: events}, err
	case stringField(top, "Type") == "Notification" && top["Message"] != nil:
		return parseSNS(body)
	case top["detail"] != nil:
		return parseEventBridge(body)
	default:
		return Envelope{Kind: KindUnrecognized}, nil
	}
}

func isTestEvent(top map[string]json.RawMessage) bool {
	return stringField(top, "Event") == "s3:TestEvent"
}

func stringField(top map[string]json.RawMessage, name string) string {
	raw, ok := top[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func parseRecords(body []byte) ([]ObjectEvent, error) {
	var env struct {
		Records []s3Record `json:"Records"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Join(ErrMalformedEnvelope, err)
	}

	events := make([]ObjectEvent, 0, len(env.Records))
	for _, r := range env.Records {
		if r.S3.Object.Key == "" {
			continue
		}
		events = append(events, ObjectEvent{
			EventName: r.EventName,
			Bucket:    r.S3.Bucket.Name,
			Key:       DecodeKey(r.S3.Object.Key),
			Size:      r.S3.Object.Size,
		})
	}
	return events, nil
}

func parseSNS(body []byte) (Envelope, error) {
	var n snsNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEnvelope, err)
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal([]byte(n.Message), &inner); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEnvelope, err)
	}
	if isTestEvent(inner) {
		return Envelope{Kind: KindTestEvent}, nil
	}
	if inner["Records"] == nil {
		return Envelope{Kind: KindUnrecognized}, nil
	}

	events, err := parseRecords([]byte(n.Message))
	return Envelope{Kind: KindSNS, Events: events}, err
}

// parseEventBridge accepts both the native S3 event form and the CloudTrail
// API-call form.
func parseEventBridge(body []byte) (Envelope, error) {
	var e eventBridgeEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, errors.Join(ErrMalformedEnvelope, err)
	}
	d := e.Detail

	switch {
	case d.Bucket.Name != "" && d.Object.Key != "":
		name := e.DetailType
		if e.DetailType == "Object Created" {
			name = "ObjectCreated:" + d.Reason
		}
		return Envelope{Kind: KindEventBridge, Events: []ObjectEvent{{
			EventName: name,
			Bucket:    d.Bucket.Name,
			Key:       DecodeKey(d.Object.Key),
			Size:      d.Object.Size,
		}}}, nil
	case d.RequestParameters.BucketName != "" && d.RequestParameters.Key != "":
		return Envelope{Kind: KindEventBridge, Events: []ObjectEvent{{
			Bucket: d.RequestParameters.BucketName,
			Key:    DecodeKey(d.RequestParameters.Key),
		}}}, nil
	default:
		return Envelope{Kind: KindUnrecognized}, nil
	}
}

// DecodeKey undoes the form encoding storage notifications apply to object
// keys. A literal '+' arrives as %2B and a space as '+'. Undecodable keys are
// returned unchanged.
func DecodeKey(raw string) string {
	decoded, err := url.PathUnescape(strings.ReplaceAll(raw, "+", "%20"))
	if err != nil {
		return raw
	}
	return decoded
}

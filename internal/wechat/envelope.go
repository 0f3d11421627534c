package wechat

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"oabot/internal/domain"
)

// inboundEnvelope is the platform's XML push format. Only the fields this
// system consumes are mapped.
type inboundEnvelope struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MediaID      string   `xml:"MediaId"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
	MsgID        int64    `xml:"MsgId"`
}

// Envelope carries the normalized event plus the addressing needed to render
// a synchronous reply.
type Envelope struct {
	Event   domain.InboundEvent
	Account string // the official account id (ToUserName of the push)
}

// ParseEnvelope normalizes one XML push into a domain event.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var in inboundEnvelope
	if err := xml.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if in.FromUserName == "" {
		return nil, fmt.Errorf("envelope without sender")
	}

	ev := domain.InboundEvent{
		UserID:     in.FromUserName,
		ReceivedAt: time.Unix(in.CreateTime, 0),
	}
	if in.CreateTime == 0 {
		ev.ReceivedAt = time.Now()
	}

	switch in.MsgType {
	case "text":
		ev.Kind = domain.EventMessage
		ev.Text = strings.TrimSpace(in.Content)
	case "image", "voice", "video":
		ev.Kind = domain.EventMessage
		ev.MediaID = in.MediaID
	case "event":
		switch strings.ToLower(in.Event) {
		case "subscribe":
			ev.Kind = domain.EventFollow
		case "unsubscribe":
			ev.Kind = domain.EventUnfollow
		case "click":
			ev.Kind = domain.EventMenuClick
			ev.ClickKey = in.EventKey
		default:
			return nil, fmt.Errorf("unsupported event %q", in.Event)
		}
	default:
		return nil, fmt.Errorf("unsupported message type %q", in.MsgType)
	}

	return &Envelope{Event: ev, Account: in.ToUserName}, nil
}

type cdata struct {
	Value string `xml:",cdata"`
}

type textReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

type imageReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Image        struct {
		MediaID cdata `xml:"MediaId"`
	} `xml:"Image"`
}

type newsReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	ArticleCount int      `xml:"ArticleCount"`
	Articles     struct {
		Items []newsItem `xml:"item"`
	} `xml:"Articles"`
}

type newsItem struct {
	Title       cdata `xml:"Title"`
	Description cdata `xml:"Description"`
	PicURL      cdata `xml:"PicUrl"`
	URL         cdata `xml:"Url"`
}

// RenderReply produces the synchronous XML answer for one processed event.
// An empty byte slice means "nothing to send": the HTTP layer answers the
// platform with the literal "success" ack instead.
func RenderReply(env *Envelope, reply domain.Reply, now time.Time) ([]byte, error) {
	to := cdata{env.Event.UserID}
	from := cdata{env.Account}
	ts := now.Unix()

	switch reply.Kind {
	case domain.ReplyText:
		if reply.Text == "" {
			return nil, nil
		}
		return xml.Marshal(textReply{
			ToUserName: to, FromUserName: from, CreateTime: ts,
			MsgType: cdata{"text"}, Content: cdata{reply.Text},
		})
	case domain.ReplyImage:
		out := imageReply{ToUserName: to, FromUserName: from, CreateTime: ts, MsgType: cdata{"image"}}
		out.Image.MediaID = cdata{reply.MediaID}
		return xml.Marshal(out)
	case domain.ReplyNews:
		out := newsReply{
			ToUserName: to, FromUserName: from, CreateTime: ts,
			MsgType: cdata{"news"}, ArticleCount: len(reply.Articles),
		}
		for _, a := range reply.Articles {
			out.Articles.Items = append(out.Articles.Items, newsItem{
				Title:       cdata{a.Title},
				Description: cdata{a.Description},
				PicURL:      cdata{a.PicURL},
				URL:         cdata{a.URL},
			})
		}
		return xml.Marshal(out)
	case domain.ReplyNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported reply kind %q", reply.Kind)
	}
}

// Package graph implements a Forwarder that re-sends messages through the
// Microsoft Graph sendMail API.
package graph

import (
	"encoding/base64"

	"github.com/shineum/mail-ingest/internal/email"
)

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject      string            `json:"subject"`
	Body         messageBody       `json:"body"`
	ToRecipients []recipient       `json:"toRecipients"`
	ReplyTo      []recipient       `json:"replyTo,omitempty"`
	Attachments  []graphAttachment `json:"attachments,omitempty"`
	Headers      []messageHeader   `json:"internetMessageHeaders,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
}

// Custom headers must start with "x-".
type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a parsed message into a sendMail request
// addressed to the single forwarding destination to. Replies go to the
// original author.
func buildSendMailRequest(msg *email.Message, to string) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.TextBody,
	}
	if msg.HtmlBody != "" {
		body.ContentType = "html"
		body.Content = msg.HtmlBody
	}

	req := &sendMailRequest{
		Message: sendMailMessage{
			Subject:      msg.Subject,
			Body:         body,
			ToRecipients: []recipient{{EmailAddress: emailAddress{Address: to}}},
		},
	}

	if msg.From.Address != "" {
		req.Message.ReplyTo = []recipient{{
			EmailAddress: emailAddress{Address: msg.From.Address, Name: msg.From.Name},
		}}
		req.Message.Headers = append(req.Message.Headers, messageHeader{Name: "X-Original-From", Value: msg.From.Address})
	}
	if msg.MessageID != "" {
		req.Message.Headers = append(req.Message.Headers, messageHeader{Name: "X-Original-Message-ID", Value: msg.MessageID})
	}

	for _, att := range msg.Attachments {
		if att == nil {
			continue
		}
		req.Message.Attachments = append(req.Message.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			ContentID:    att.ContentID,
			IsInline:     att.Inline(),
		})
	}

	return req
}

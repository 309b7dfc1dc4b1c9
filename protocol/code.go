package protocol

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

// codeSegmentRe matches a confirmation code appearing as a bare path
// segment of the booking link, e.g. BTS-2025-091234.
var codeSegmentRe = regexp.MustCompile(`^[A-Z]{2,}-[0-9-]{6,}$`)

// submitBooking runs one do_booking round trip and interprets the
// reply into out. A status=false reply comes back classified.
func (d *Driver) submitBooking(ctx context.Context, page *primedPage, form url.Values, out *Outcome) (map[string]interface{}, error) {
	reply, err := d.postAction(ctx, page, form, d.submitTimeout)
	if err != nil {
		return nil, err
	}
	data, err := decodeAction(reply)
	if err != nil {
		return nil, err
	}
	out.Raw = json.RawMessage(reply.Body)
	if !statusTrue(data) {
		return nil, classifyRejection(serverMessage(data, reply.Body), out.Raw)
	}
	out.Success = true
	out.Link = bookingLink(data)
	out.Code = ExtractBookingCode(data, out.Link)
	if out.Code == "" {
		d.log.Debugf("accepted booking carries no extractable code, link=%q", out.Link)
	}
	return data, nil
}

// bookingLink returns the confirmation URL of an accepted booking.
func bookingLink(data map[string]interface{}) string {
	return stringField(data, "booking_link", "link_redirect")
}

// ExtractBookingCode digs the confirmation code out of an accepted
// do_booking reply. The portal has shipped several shapes over time,
// so extraction cascades: flat fields, the nested booking object, a
// code query parameter on the link, and finally a code-shaped path
// segment of the link.
func ExtractBookingCode(data map[string]interface{}, link string) string {
	if code := stringField(data, "code", "booking_code", "bookingCode"); code != "" {
		return code
	}
	if nested, ok := data["booking"].(map[string]interface{}); ok {
		if code := stringField(nested, "code", "booking_code"); code != "" {
			return code
		}
	}
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if code := u.Query().Get("code"); code != "" {
		return code
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if codeSegmentRe.MatchString(seg) {
			return seg
		}
	}
	return ""
}

func textOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

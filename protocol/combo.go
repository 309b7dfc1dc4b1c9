package protocol

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/net/html"
)

// Option is one value/label pair from the portal's combo endpoint.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// DistrictOptions fetches the district choices for a province. The
// combo endpoint answers an HTML option list; profile entry surfaces
// show it so users can fill id_district with a code the portal accepts.
func (d *Driver) DistrictOptions(ctx context.Context, sess Session, provinceID string) ([]Option, error) {
	provinceID = strings.TrimSpace(provinceID)
	if provinceID == "" {
		return nil, trace.BadParameter("protocol: empty province id")
	}

	form := url.Values{}
	form.Set("id_province", provinceID)

	tctx, cancel := context.WithTimeout(ctx, d.readTimeout)
	defer cancel()
	reply, err := sess.PostForm(tctx, d.comboURL, form, d.base+"/")
	if err != nil {
		return nil, &TransientError{Op: "post combo", Err: err}
	}
	if reply.Status != 200 {
		return nil, &TransientError{Op: itoa(reply.Status) + " from combo endpoint"}
	}
	opts, err := parseOptions(reply.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.log.Debugf("province %s resolves to %d districts", provinceID, len(opts))
	return opts, nil
}

// parseOptions collects every non-placeholder <option> in the fragment.
func parseOptions(body []byte) ([]Option, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, trace.BadParameter("protocol: parse combo HTML: %v", err)
	}
	var opts []Option
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "option" {
			value := strings.TrimSpace(attrValue(n, "value"))
			if value != "" && value != "-" {
				opts = append(opts, Option{Value: value, Label: nodeText(n)})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return opts, nil
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

package dispatch

import (
	"strings"

	"github.com/dayuer/relaymux/internal/wire"
)

// renderPrefix builds the bracketed context header spec.md defines:
//
//	[channel: <c>, adapter: <a>, user: <u>, chat: <t>, topic: <n>]\n
//
// Fields absent from chanCtx are omitted from the header entirely. The
// header is idempotent and prepended once per turn; relaymux never
// re-parses it out of agent-visible content.
func renderPrefix(channel string, chanCtx *wire.ChannelContext) string {
	fields := []string{"channel: " + channel}
	if chanCtx != nil {
		if chanCtx.Adapter != "" {
			fields = append(fields, "adapter: "+chanCtx.Adapter)
		}
		if chanCtx.User != "" {
			fields = append(fields, "user: "+chanCtx.User)
		}
		if chanCtx.Chat != "" {
			fields = append(fields, "chat: "+chanCtx.Chat)
		}
		if chanCtx.Topic != "" {
			fields = append(fields, "topic: "+chanCtx.Topic)
		}
	}
	return "[" + strings.Join(fields, ", ") + "]\n"
}

// withPrefix prepends the rendered header to content, but only when a
// ChannelContext actually accompanies the send — per spec.md, a bare
// send with no context carries no header at all.
func withPrefix(channel string, content wire.MessageContent, chanCtx *wire.ChannelContext) wire.MessageContent {
	if chanCtx == nil {
		return content
	}
	return content.WithHeader(renderPrefix(channel, chanCtx))
}

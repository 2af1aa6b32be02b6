package protocol

import "strings"

// ChannelSeparator splits a channel identity into channel and subchannel. It is
// reserved and may not appear inside a bare channel or subchannel identifier.
const ChannelSeparator = "/"

// ChannelName is a parsed channel identity. Subchannel is empty for bare
// channels.
type ChannelName struct {
	Channel    string
	Subchannel string
}

// SplitChannelName parses "channel" or "channel/subchannel". It returns false
// for an empty identity or an empty channel part.
func SplitChannelName(identity string) (ChannelName, bool) {
	if identity == "" {
		return ChannelName{}, false
	}
	channel, subchannel, _ := strings.Cut(identity, ChannelSeparator)
	if channel == "" {
		return ChannelName{}, false
	}
	return ChannelName{Channel: channel, Subchannel: subchannel}, true
}

// JoinChannelName renders the wire form of a channel identity.
func JoinChannelName(channel, subchannel string) string {
	if subchannel == "" {
		return channel
	}
	return channel + ChannelSeparator + subchannel
}

// String renders the wire form of the parsed identity.
func (n ChannelName) String() string {
	return JoinChannelName(n.Channel, n.Subchannel)
}

package relay

// ClassifySource describes where a forwarded message came from. An explicit
// origin chat title wins over the origin sender identity, which wins over a
// bare forwarded-sender name. The returned label is the best display name
// available.
func ClassifySource(f ForwardedMessage) (Origin, string) {
	switch {
	case f.OriginChatTitle != "":
		if f.OriginChatKind == ChatKindChannel {
			return OriginChannel, f.OriginChatTitle
		}
		return OriginGroup, f.OriginChatTitle
	case f.OriginSenderName != "":
		if f.OriginSenderIsBot {
			return OriginBot, f.OriginSenderName
		}
		return OriginUser, f.OriginSenderName
	case f.ForwardedSenderName != "":
		return OriginUser, f.ForwardedSenderName
	}
	return OriginUnknown, "Unknown"
}

// originLabel renders an origin for the team channel.
func originLabel(o Origin) string {
	switch o {
	case OriginGroup:
		return "Group"
	case OriginChannel:
		return "Channel"
	case OriginBot:
		return "Bot"
	case OriginUser:
		return "User"
	}
	return "Unknown"
}

package chat

const (
	TopicMessages      = "messages"
	TopicProfiles      = "profiles"
	TopicConversations = "conversations"

	EventTyping = "typing"
)

func MessagesTopic(conversationID string) string { return TopicMessages + ":" + conversationID }

func TypingTopic(conversationID string) string { return "typing:" + conversationID }

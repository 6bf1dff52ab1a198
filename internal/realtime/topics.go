package realtime

import "fmt"

// TypingDestination 是发布输入状态的目的地。
const TypingDestination = "/app/chat.typing"

// ConversationTopic 推送会话内的新消息、撤回与输入状态。
func ConversationTopic(conversationID int64) string {
	return fmt.Sprintf("/topic/chat/%d", conversationID)
}

// PresenceTopic 推送会话对方的在线状态。
func PresenceTopic(conversationID int64) string {
	return fmt.Sprintf("/topic/chat/%d/user-status", conversationID)
}

// NotificationTopic 推送匹配等个人通知。
func NotificationTopic(userID int64) string {
	return fmt.Sprintf("/topic/notification/%d", userID)
}

func SelfStatusTopic(userID int64) string {
	return fmt.Sprintf("/topic/user/%d/status", userID)
}

type family int

const (
	familyConversation family = iota
	familyPresence
	familySelf
)

// diff 计算期望集合与当前集合的对称差。
func diff(current map[int64]struct{}, want []int64) (add, remove []int64) {
	wantSet := make(map[int64]struct{}, len(want))
	for _, id := range want {
		if _, dup := wantSet[id]; dup {
			continue
		}
		wantSet[id] = struct{}{}
		if _, ok := current[id]; !ok {
			add = append(add, id)
		}
	}
	for id := range current {
		if _, ok := wantSet[id]; !ok {
			remove = append(remove, id)
		}
	}
	return add, remove
}

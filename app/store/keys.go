package store

// pub/sub channels, exported as listeners subscribe to them directly
const (
	// MessageQueueChannel notifies the queue processor about new enqueued ids
	MessageQueueChannel = "message_queue"
	// EventJournalChannel carries login/logout/spam-verdict events
	EventJournalChannel = "event_journal"
)

// key names of the substrate structures
const (
	keyMessageIndex = "message_index" // counter, id of the latest message
	keyMessageHash  = "message"       // hash, id -> serialized message
	keyMessageQueue = "message_queue" // list, ids awaiting spam check

	keyRegularUsers = "regular_users" // set, seeded regular usernames
	keyAdminUsers   = "admin_users"   // set, seeded admin usernames
	keyOnlineUsers  = "online_users"  // set, currently logged-in usernames

	keySpammersRank = "users_by_spam_msg"      // sorted set, username -> spam count
	keyChattersRank = "users_by_delivered_msg" // sorted set, username -> delivered count

	keyEventJournal = "events" // list, journal lines, most recent first
)

// statusKey returns the set holding ids with the given status.
func statusKey(s Status) string {
	switch s {
	case StatusQueued:
		return "messages:enqueued"
	case StatusChecking:
		return "messages:checking_spam"
	case StatusBlocked:
		return "messages:spam"
	case StatusDelivered:
		return "messages:delivered"
	}
	return "messages:unknown"
}

func inboundKey(username string) string  { return "inbound_messages:" + username }
func outboundKey(username string) string { return "outbound_messages:" + username }

package kafka

// Топики уведомлений.
const (
	TopicOrderNotifications = "foodorders.notifications"
	TopicDeadLetter         = "foodorders.notifications.dlq"
)

// Заголовки сообщений; по ним потребители фильтруют события, не разбирая тело.
const (
	HeaderEventType   = "x-event-type"
	HeaderOutboxID    = "x-outbox-id"
	HeaderAggregateID = "x-aggregate-id"
)

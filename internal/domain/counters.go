package domain

// MailboxCounters 邮箱计数器（邮件总数、未读数）
//
// 计数器是累加器，不做下限约束：增减顺序错乱或重复投递时允许出现负数。
type MailboxCounters struct {
	MailboxID MailboxID `json:"mailboxId"`
	Count     int64     `json:"count"`
	Unseen    int64     `json:"unseen"`
}

// Seen 已读邮件数
func (c MailboxCounters) Seen() int64 {
	return c.Count - c.Unseen
}

// CounterDelta 对计数器的一次原子增量
type CounterDelta struct {
	Count  int64
	Unseen int64
}

// IsZero 是否为空增量
func (d CounterDelta) IsZero() bool {
	return d.Count == 0 && d.Unseen == 0
}

package services

import (
	"context"
	"time"

	"github.com/weAIDB/CrackSQL/internal/kafka"
)

// KafkaDispatcher 经Kafka投递条目处理消息，消费端调用JobTracker处理
type KafkaDispatcher struct {
	producer *kafka.Producer
}

// NewKafkaDispatcher 创建Kafka投递器
func NewKafkaDispatcher(producer *kafka.Producer) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer}
}

// Dispatch 发送条目处理消息
func (d *KafkaDispatcher) Dispatch(ctx context.Context, kbID, itemID uint) error {
	return d.producer.SendItemProcessMessage(&kafka.ItemProcessMessage{
		KnowledgeBaseID: kbID,
		ItemID:          itemID,
		Action:          kafka.ActionEmbed,
		Timestamp:       time.Now(),
	})
}

// LocalDispatcher Kafka未配置时的进程内兜底，直接交给工作池
type LocalDispatcher struct {
	tracker *JobTracker
}

// NewLocalDispatcher 创建进程内投递器
func NewLocalDispatcher(tracker *JobTracker) *LocalDispatcher {
	return &LocalDispatcher{tracker: tracker}
}

// Dispatch 将条目放入工作池队列
func (d *LocalDispatcher) Dispatch(ctx context.Context, kbID, itemID uint) error {
	d.tracker.Enqueue(itemID)
	return nil
}

package mq

import (
	"log"

	"payhub/internal/config"

	"github.com/IBM/sarama"
)

// Sender 消息发送抽象
// 调度器只依赖这个最小接口，Kafka 的连接、分区、ack 都在实现里
type Sender interface {
	Send(topic, key, value string) error
}

// KafkaSender 基于 sarama 同步生产者的 Sender 实现
type KafkaSender struct {
	producer sarama.SyncProducer
}

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) *KafkaSender {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 客户端层重试次数
	kafkaConfig.Producer.Return.Successes = true          // 同步生产者必须开启

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	log.Println("Kafka 生产者创建成功")
	return &KafkaSender{producer: producer}
}

// Send 发送消息到 Kafka，key 决定分区，保证同 key 消息有序
func (s *KafkaSender) Send(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := s.producer.SendMessage(msg)
	return err
}

// Close 关闭 Kafka 生产者
func (s *KafkaSender) Close() {
	if s.producer != nil {
		s.producer.Close()
	}
}

package main

import (
	"encoding/binary"
	"flag"
	"log"
	"math/rand"
	"strings"

	"github.com/IBM/sarama"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/ingest"
)

// push_gen floods a worker's push topic with synthetic shuffle
// records. Handy for eyeballing flush and commit behavior against a
// real broker.
func main() {
	var (
		brokers = flag.String("brokers", "localhost:9092", "kafka brokers, comma separated")
		topic   = flag.String("topic", "shuffle.push", "push topic")
		shuffle = flag.String("shuffle", "app1-1", "shuffle key")
		fileID  = flag.String("file", "part-0-0", "partition file id")
		count   = flag.Int("n", 1000, "records to push")
		size    = flag.Int("size", 4096, "record payload size")
		mappers = flag.Int("mappers", 8, "distinct map ids")
	)
	flag.Parse()

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(strings.Split(*brokers, ","), cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer producer.Close()

	for i := 0; i < *count; i++ {
		payload := make([]byte, *size)
		rand.Read(payload)
		// 16-byte push header, map id in the first four bytes.
		binary.NativeEndian.PutUint32(payload[:4], uint32(i%*mappers))

		msg := ingest.PushMessage{
			ShuffleKey: *shuffle,
			FileID:     *fileID,
			Payload:    payload,
		}
		_, _, err := producer.SendMessage(&sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(*shuffle + "/" + *fileID),
			Value: sarama.ByteEncoder(msg.Encode()),
		})
		if err != nil {
			log.Fatal(err)
		}
	}
	log.Printf("pushed %d records (%d bytes each) to %s", *count, *size, *topic)
}

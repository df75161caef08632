package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicSubjectMapping(t *testing.T) {
	topic := "$aws/things/sample-device/shadow/update/delta"
	subject := "aws.things.sample-device.shadow.update.delta"

	assert.Equal(t, subject, topicToSubject(topic))
	assert.Equal(t, topic, subjectToTopic(subject))
}

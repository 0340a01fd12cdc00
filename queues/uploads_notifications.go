package queues

import (
	"context"
	"errors"
	"sync"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	MaxMessages      = 5
	WaitTimeSeconds  = 20
	ReconcileBackoff = 5 * time.Second
)

// SQSAPI is the subset of *sqs.Client the receiver uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

var _ SQSAPI = (*sqs.Client)(nil)

type UploadsNotifyReceiver interface {
	Start()
	Shutdown(ctx context.Context) error
}

// UploadsNotifyReceiverImpl marks files uploaded from storage object-created
// notifications. Updates are idempotent, so several receivers may share a queue.
type UploadsNotifyReceiverImpl struct {
	client     SQSAPI
	fileStore  store.FileStore
	cachingSvc caching.CachingService
	queueUrl   string
	backoff    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger logger.Logger
}

func NewUploadsNotifyReceiverImpl(
	parent context.Context,
	client SQSAPI,
	fileStore store.FileStore,
	cachingSvc caching.CachingService,
	queueUrl string,
	l logger.Logger,
) *UploadsNotifyReceiverImpl {

	ctx, cancel := context.WithCancel(parent)

	return &UploadsNotifyReceiverImpl{
		client:     client,
		fileStore:  fileStore,
		cachingSvc: cachingSvc,
		queueUrl:   queueUrl,
		backoff:    ReconcileBackoff,
		ctx:        ctx,
		cancel:     cancel,
		logger:     l.With("queue_url", queueUrl),
	}
}

func (r *UploadsNotifyReceiverImpl) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.probeAccess(r.ctx)
		_ = r.pollLoop()
	}()
}

func (r *UploadsNotifyReceiverImpl) probeAccess(ctx context.Context) {
	_, err := r.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(r.queueUrl),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		r.logger.Error("queue access check failed, check credentials, queue url and permissions", "error", err)
		return
	}
	r.logger.Info("queue access check successful")
}

func (r *UploadsNotifyReceiverImpl) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueUrl),
			MaxNumberOfMessages: MaxMessages,
			WaitTimeSeconds:     WaitTimeSeconds, // long poll
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return r.ctx.Err()
			}
			r.logger.Error("receive from queue failed", "error", err)
			r.sleep()
			continue
		}

		if len(out.Messages) == 0 {
			r.logger.Debug("no messages received")
			continue
		}

		failed := false
		for _, msg := range out.Messages {
			if err := r.handleMessage(r.ctx, msg); err != nil {
				failed = true
			}
		}
		if failed {
			r.sleep()
		}
	}
}

func (r *UploadsNotifyReceiverImpl) sleep() {
	t := time.NewTimer(r.backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.ctx.Done():
	}
}

func (r *UploadsNotifyReceiverImpl) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.logger.Warn("failed to delete message", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

// handleMessage acknowledges msg unless a record failed transiently, in which
// case the error is returned and the message is left for redelivery.
func (r *UploadsNotifyReceiverImpl) handleMessage(ctx context.Context, msg types.Message) error {
	msgID := aws.ToString(msg.MessageId)

	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return nil
	}

	env, err := ParseEnvelope([]byte(*msg.Body))
	if err != nil {
		// poison message, it can never become processable
		r.logger.Warn("discarding unparsable message", "message_id", msgID, "error", err)
		r.deleteMessage(ctx, msg)
		return nil
	}

	switch env.Kind {
	case KindTestEvent:
		r.logger.Info("received storage test event, notifications are wired", "message_id", msgID)
		r.deleteMessage(ctx, msg)
		return nil
	case KindUnrecognized:
		r.logger.Warn("discarding unrecognized message", "message_id", msgID)
		r.deleteMessage(ctx, msg)
		return nil
	}

	for _, ev := range env.Events {
		if err := r.reconcile(ctx, msgID, ev); err != nil {
			return err
		}
	}

	r.deleteMessage(ctx, msg)
	return nil
}

func (r *UploadsNotifyReceiverImpl) reconcile(ctx context.Context, msgID string, ev ObjectEvent) error {
	if !ev.IsObjectCreated() {
		r.logger.Debug("ignoring event", "message_id", msgID, "event", ev.EventName, "key", ev.Key)
		return nil
	}

	file, err := r.fileStore.MarkUploaded(ctx, ev.Key, ev.Size)
	if errors.Is(err, apperror.ErrFileNotFound) {
		r.logger.Warn("no file record for object", "message_id", msgID, "key", ev.Key)
		return nil
	}
	if err != nil {
		r.logger.Error("failed to mark file uploaded", "message_id", msgID, "key", ev.Key, "error", err)
		return err
	}

	if err := r.cachingSvc.Delete(ctx, caching.UserFilesKey(file.OwnerId)); err != nil {
		r.logger.Warn("cached files invalidation failed", "owner_id", file.OwnerId, "error", err)
	}

	r.logger.Info("file reconciled from storage event",
		"message_id", msgID,
		"file_id", file.FileId,
		"key", ev.Key,
		"event", ev.EventName,
	)
	return nil
}

func (r *UploadsNotifyReceiverImpl) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down uploads notifications receiver")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

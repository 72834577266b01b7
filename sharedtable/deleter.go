package sharedtable

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sharedtable/mtdynamo/metadata"
	"github.com/sharedtable/mtdynamo/mtcontext"
)

type deleteJob struct {
	id     uuid.UUID
	tenant string
	table  string
}

func (c *Client) enqueueDelete(ctx context.Context, tableName string) error {
	tenant, err := mtcontext.Tenant(ctx)
	if err != nil {
		return err
	}
	job := deleteJob{id: uuid.New(), tenant: tenant, table: tableName}

	// the check and the send stay under one lock so Close cannot slip in
	// between them and close the channel out from under the send
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return errors.Wrapf(ErrClosed, "cannot queue delete of table %s", tableName)
	}

	select {
	case c.deleteJobs <- job:
		c.log.WithFields(logrus.Fields{
			"job":    job.id,
			"tenant": tenant,
			"table":  tableName,
		}).Info("queued table delete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deleteWorker drains queued table deletes one at a time. A failed job is
// logged and dropped; the schema row is still there, so the caller can
// issue DeleteTable again.
func (c *Client) deleteWorker() {
	defer close(c.workerDone)
	for job := range c.deleteJobs {
		ctx := mtcontext.WithTenant(context.Background(), job.tenant)
		log := c.log.WithFields(logrus.Fields{
			"job":    job.id,
			"tenant": job.tenant,
			"table":  job.table,
		})
		if _, err := c.deleteTableSync(ctx, job.table); err != nil {
			log.WithError(err).Error("table delete failed")
			continue
		}
		log.Info("table delete finished")
	}
}

func (c *Client) deleteTableSync(ctx context.Context, tableName string) (*metadata.TableDescription, error) {
	tenant, err := mtcontext.Tenant(ctx)
	if err != nil {
		return nil, err
	}
	desc, err := c.repo.GetTableDescription(ctx, tableName)
	if err != nil {
		return nil, err
	}
	if c.truncateOnDeleteTable {
		if err := c.truncateTable(ctx, desc); err != nil {
			return nil, errors.Wrapf(err, "truncating table %s", tableName)
		}
	}
	if _, err := c.repo.DeleteTable(ctx, tableName); err != nil {
		return nil, err
	}
	c.cache.invalidate(tenant, tableName)
	return desc, nil
}

// truncateTable deletes every row of the tenant's virtual table by paging
// its own Scan and issuing per-row deletes, backing off on throttling.
func (c *Client) truncateTable(ctx context.Context, desc *metadata.TableDescription) error {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: true,
	}

	var deleted int64
	input := &dynamodb.ScanInput{TableName: aws.String(desc.Name)}
	for {
		out, err := c.Scan(ctx, input)
		if err != nil {
			if throttled(err) {
				if err := sleep(ctx, b.Duration()); err != nil {
					return err
				}
				continue
			}
			return err
		}
		b.Reset()

		for _, item := range out.Items {
			key := keyFromItem(item, desc.Key)
			for {
				_, err := c.DeleteItem(ctx, &dynamodb.DeleteItemInput{
					TableName: aws.String(desc.Name),
					Key:       key,
				})
				if err == nil {
					break
				}
				if !throttled(err) {
					return err
				}
				if err := sleep(ctx, b.Duration()); err != nil {
					return err
				}
			}
			deleted++
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	c.log.WithFields(logrus.Fields{
		"table":   desc.Name,
		"deleted": humanize.Comma(deleted),
	}).Info("truncated table")
	return nil
}

func throttled(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case dynamodb.ErrCodeProvisionedThroughputExceededException, dynamodb.ErrCodeRequestLimitExceeded:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

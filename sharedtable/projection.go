package sharedtable

import (
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"

	"github.com/sharedtable/mtdynamo/metadata"
)

// projectionContainsKey reports whether a scan's projection keeps the key
// attributes of the active index. The paging loop recomputes the cursor
// from returned items, so a projection that drops the key cannot page.
// Both projection dialects count: the projection expression and the legacy
// attributesToGet list. The expression check is a containment test over the
// raw text, not a parse; it can be fooled by an attribute whose name embeds
// the key's name.
func projectionContainsKey(input *dynamodb.ScanInput, key metadata.PrimaryKey) bool {
	if input.ProjectionExpression == nil && input.AttributesToGet == nil {
		return true
	}
	if !projectionContainsField(input, key.HashKey) {
		return false
	}
	if key.HasRangeKey() && !projectionContainsField(input, key.RangeKey) {
		return false
	}
	return true
}

func projectionContainsField(input *dynamodb.ScanInput, field string) bool {
	if input.ProjectionExpression != nil {
		expression := *input.ProjectionExpression
		if strings.Contains(expression, field) {
			return true
		}
		for alias, name := range input.ExpressionAttributeNames {
			if name != nil && *name == field && strings.Contains(expression, alias) {
				return true
			}
		}
	}
	for _, attr := range input.AttributesToGet {
		if aws.StringValue(attr) == field {
			return true
		}
	}
	return false
}

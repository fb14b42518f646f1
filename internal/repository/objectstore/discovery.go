package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	log "github.com/sirupsen/logrus"
)

// Tags read from buckets that opt in to discovery.
const (
	TagLocation = "zref:location"
	TagType     = "zref:type"
	TagPriority = "zref:priority"
)

// DiscoveredBucket is an S3 bucket tagged as a storage location.
type DiscoveredBucket struct {
	Location string `yaml:"location"`
	Bucket   string `yaml:"bucket"`
	Type     string `yaml:"type"`
	Priority int    `yaml:"priority"`
}

// TaggedBucketDiscoverer lists S3 buckets carrying the zref:location tag.
type TaggedBucketDiscoverer struct {
	client resourcegroupstaggingapi.GetResourcesAPIClient
}

func NewTaggedBucketDiscoverer(awsConfig aws.Config) *TaggedBucketDiscoverer {
	return &TaggedBucketDiscoverer{client: resourcegroupstaggingapi.NewFromConfig(awsConfig)}
}

// Discover returns the tagged buckets sorted by location name.
func (d *TaggedBucketDiscoverer) Discover(ctx context.Context) ([]DiscoveredBucket, error) {
	paginator := resourcegroupstaggingapi.NewGetResourcesPaginator(d.client, &resourcegroupstaggingapi.GetResourcesInput{
		ResourceTypeFilters: []string{"s3"},
		TagFilters:          []types.TagFilter{{Key: aws.String(TagLocation)}},
	})

	var buckets []DiscoveredBucket
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tagged buckets: %w", err)
		}
		for _, mapping := range page.ResourceTagMappingList {
			bucket, err := bucketFromMapping(mapping)
			if err != nil {
				log.Warnf("Ignoring tagged resource: %v", err)
				continue
			}
			buckets = append(buckets, bucket)
		}
	}

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Location < buckets[j].Location
	})
	return buckets, nil
}

func bucketFromMapping(mapping types.ResourceTagMapping) (DiscoveredBucket, error) {
	arn := aws.ToString(mapping.ResourceARN)
	name, ok := strings.CutPrefix(arn, "arn:aws:s3:::")
	if !ok || name == "" || strings.Contains(name, "/") {
		return DiscoveredBucket{}, fmt.Errorf("%s is not a bucket ARN", arn)
	}

	bucket := DiscoveredBucket{Bucket: name, Type: "immediate"}
	for _, tag := range mapping.Tags {
		value := aws.ToString(tag.Value)
		switch aws.ToString(tag.Key) {
		case TagLocation:
			bucket.Location = value
		case TagType:
			bucket.Type = value
		case TagPriority:
			priority, err := strconv.Atoi(value)
			if err != nil {
				return DiscoveredBucket{}, fmt.Errorf("bucket %s has an invalid priority %q", name, value)
			}
			bucket.Priority = priority
		}
	}
	if bucket.Location == "" {
		bucket.Location = name
	}
	if bucket.Type != "immediate" && bucket.Type != "restoration" {
		return DiscoveredBucket{}, fmt.Errorf("bucket %s has an invalid type %q", name, bucket.Type)
	}
	return bucket, nil
}

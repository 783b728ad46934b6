package fleet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// Tag keys written to every instance the fleet manages. Tags are the only
// durable per-runner state this system keeps.
const (
	TagManagedBy      = "rf:managed-by"
	TagEnvironment    = "rf:environment"
	TagOwner          = "rf:owner"
	TagScope          = "rf:scope"
	TagOrphan         = "rf:orphan"
	TagStandbySince   = "rf:standby-since"
	TagRegistrationID = "rf:registration-id"

	managedByValue = "runner-fleet"
)

// EC2Config carries the launch parameters for new capacity. Topology is
// supplied, not computed.
type EC2Config struct {
	Region             string
	ParameterPrefix    string
	InstanceType       string
	AMI                string
	SubnetID           string
	SecurityGroupIDs   []string
	IAMInstanceProfile string
	UseSpot            bool
	VolumeSize         int32
	VolumeType         string
	ExtraTags          map[string]string
}

// EC2API is the subset of the EC2 client the fleet uses.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, in *ec2.DeleteTagsInput, opts ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, opts ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// EC2Fleet implements Fleet on top of the EC2 API.
type EC2Fleet struct {
	client EC2API
	config EC2Config
	logger *slog.Logger
}

func NewEC2Fleet(client EC2API, cfg EC2Config, logger *slog.Logger) *EC2Fleet {
	return &EC2Fleet{
		client: client,
		config: cfg,
		logger: logger.With("component", "ec2-fleet"),
	}
}

func (f *EC2Fleet) List(ctx context.Context, filter Filter) ([]*Runner, error) {
	states := filter.States
	if len(states) == 0 {
		states = []string{"pending", "running", "stopping", "stopped"}
	}

	filters := []types.Filter{
		{Name: aws.String("tag:" + TagManagedBy), Values: []string{managedByValue}},
		{Name: aws.String("instance-state-name"), Values: states},
	}
	if filter.Environment != "" {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + TagEnvironment), Values: []string{filter.Environment}})
	}
	if filter.Owner != "" {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + TagOwner), Values: []string{filter.Owner}})
	}
	if filter.Scope != "" {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + TagScope), Values: []string{string(filter.Scope)}})
	}
	if filter.OrphanMarked != nil && *filter.OrphanMarked {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + TagOrphan), Values: []string{"true"}})
	}

	var runners []*Runner
	var nextToken *string
	for {
		out, err := f.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters:   filters,
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range out.Reservations {
			for _, instance := range reservation.Instances {
				r := instanceToRunner(&instance)
				// Tag filters cannot express "orphan tag absent".
				if filter.OrphanMarked != nil && !*filter.OrphanMarked && r.OrphanMarked {
					continue
				}
				runners = append(runners, r)
			}
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return runners, nil
}

func (f *EC2Fleet) Terminate(ctx context.Context, instanceID string) error {
	_, err := f.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	f.logger.Info("instance termination initiated", "instance_id", instanceID)
	return nil
}

func (f *EC2Fleet) Stop(ctx context.Context, instanceID string) error {
	_, err := f.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to stop instance %s: %w", instanceID, err)
	}
	f.logger.Info("instance stop initiated", "instance_id", instanceID)
	return nil
}

func (f *EC2Fleet) Tag(ctx context.Context, instanceID string, tags map[string]string) error {
	ec2Tags := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := f.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      ec2Tags,
	})
	if err != nil {
		return fmt.Errorf("failed to tag instance %s: %w", instanceID, err)
	}
	return nil
}

func (f *EC2Fleet) Untag(ctx context.Context, instanceID string, keys []string) error {
	ec2Tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k)})
	}
	_, err := f.client.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{instanceID},
		Tags:      ec2Tags,
	})
	if err != nil {
		return fmt.Errorf("failed to untag instance %s: %w", instanceID, err)
	}
	return nil
}

// RequestCapacity launches up to spec.Count instances in one RunInstances
// call (MinCount=1), so a partially fulfilled request returns the ids that
// did launch rather than failing outright.
func (f *EC2Fleet) RequestCapacity(ctx context.Context, spec CapacitySpec) ([]string, error) {
	if spec.Count <= 0 {
		return nil, nil
	}

	name := fmt.Sprintf("rf-%s-%s", spec.Environment, uuid.New().String()[:8])
	tags := f.buildTags(name, spec)
	tagSpecs := []types.TagSpecification{
		{ResourceType: types.ResourceTypeInstance, Tags: tags},
		{ResourceType: types.ResourceTypeVolume, Tags: tags},
	}

	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(f.config.AMI),
		InstanceType:      types.InstanceType(f.config.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(int32(spec.Count)),
		SubnetId:          aws.String(f.config.SubnetID),
		SecurityGroupIds:  f.config.SecurityGroupIDs,
		TagSpecifications: tagSpecs,
		UserData:          aws.String(base64.StdEncoding.EncodeToString([]byte(bootstrapScript(f.config.ParameterPrefix, spec.Environment)))),
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &types.EbsBlockDevice{
					VolumeSize:          aws.Int32(f.config.VolumeSize),
					VolumeType:          types.VolumeType(f.config.VolumeType),
					DeleteOnTermination: aws.Bool(true),
				},
			},
		},
	}

	if f.config.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(f.config.IAMInstanceProfile),
		}
	}

	if f.config.UseSpot {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	out, err := f.client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run instances for %s: %w", spec.Owner, err)
	}

	ids := make([]string, 0, len(out.Instances))
	for _, inst := range out.Instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	f.logger.Info("capacity requested",
		"owner", spec.Owner,
		"requested", spec.Count,
		"created", len(ids),
		"spot", f.config.UseSpot,
	)
	return ids, nil
}

// HealthCheck verifies API access, used by the readiness endpoint.
func (f *EC2Fleet) HealthCheck(ctx context.Context) error {
	if _, err := f.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{}); err != nil {
		return fmt.Errorf("ec2 health check failed: %w", err)
	}
	return nil
}

func (f *EC2Fleet) buildTags(name string, spec CapacitySpec) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String(TagManagedBy), Value: aws.String(managedByValue)},
		{Key: aws.String(TagEnvironment), Value: aws.String(spec.Environment)},
		{Key: aws.String(TagOwner), Value: aws.String(spec.Owner)},
		{Key: aws.String(TagScope), Value: aws.String(string(spec.Scope))},
		{Key: aws.String("Name"), Value: aws.String(name)},
	}
	for k, v := range f.config.ExtraTags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}

func instanceToRunner(instance *types.Instance) *Runner {
	r := &Runner{
		InstanceID: aws.ToString(instance.InstanceId),
		LaunchedAt: instance.LaunchTime,
		Scope:      ScopeOrg,
		Tags:       make(map[string]string, len(instance.Tags)),
	}
	if instance.State != nil {
		r.State = string(instance.State.Name)
	}
	for _, tag := range instance.Tags {
		k, v := aws.ToString(tag.Key), aws.ToString(tag.Value)
		r.Tags[k] = v
		switch k {
		case TagOwner:
			r.Owner = v
		case TagScope:
			if v == string(ScopeRepo) {
				r.Scope = ScopeRepo
			}
		case TagOrphan:
			r.OrphanMarked = v == "true"
		case TagRegistrationID:
			var id int64
			if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
				r.RegistrationID = id
			}
		}
	}
	return r
}

// capacityErrorCodes are provider responses that mean "fewer or no
// instances could be launched right now", as opposed to a bad request.
var capacityErrorCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InstanceLimitExceeded":        true,
	"MaxSpotInstanceCountExceeded": true,
	"SpotMaxPriceTooLow":           true,
	"RequestLimitExceeded":         true,
}

// IsCapacityExhausted reports whether err is a provider-side capacity or
// throttling failure rather than a malformed request.
func IsCapacityExhausted(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return capacityErrorCodes[apiErr.ErrorCode()]
	}
	return false
}

func bootstrapScript(parameterPrefix, environment string) string {
	if parameterPrefix == "" {
		parameterPrefix = "/runner-fleet"
	}
	// The instance pulls its registration credential from the parameter
	// store path written by the admission engine.
	return strings.Join([]string{
		"#!/bin/bash",
		"set -e",
		"INSTANCE_ID=$(curl -s http://169.254.169.254/latest/meta-data/instance-id)",
		fmt.Sprintf("CONFIG=$(aws ssm get-parameter --name %s/%s/runners/$INSTANCE_ID/config --with-decryption --query Parameter.Value --output text)", parameterPrefix, environment),
		"cd /opt/actions-runner",
		"./run.sh --jitconfig \"$CONFIG\"",
	}, "\n") + "\n"
}

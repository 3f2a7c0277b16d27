// Package platform launches and stops the Fargate tasks that run session
// containers and resolves their network addresses.
package platform

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
)

// containerName is the browser container inside the task definition; env
// overrides target it by name.
const containerName = "browser-container"

// ECSAPI is the slice of the ECS client the launcher uses.
type ECSAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// EC2API is the slice of the EC2 client used to resolve ENI addresses.
type EC2API interface {
	DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
}

// LaunchConfig carries the cluster settings tasks are started with.
type LaunchConfig struct {
	Cluster        string
	TaskDefinition string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
}

// LaunchSpec is the per-session input to Launch. Everything the container
// needs at runtime is injected as environment overrides.
type LaunchSpec struct {
	SessionID         string
	ProjectID         string
	SessionToken      string
	KeepAlive         bool
	ExpiresAt         int64
	ContextProfileURL string
}

// RunningTask is one entry of the cluster task listing.
type RunningTask struct {
	ARN       string
	SessionID string
}

// Launcher starts, stops and inspects session tasks.
type Launcher struct {
	ecs ECSAPI
	ec2 EC2API
	cfg LaunchConfig
	log *logrus.Entry
}

// New builds a launcher for the given cluster configuration.
func New(ecsClient ECSAPI, ec2Client EC2API, cfg LaunchConfig, log *logrus.Entry) *Launcher {
	return &Launcher{ecs: ecsClient, ec2: ec2Client, cfg: cfg, log: log}
}

// Launch starts one Fargate task for the session and returns its ARN. The
// session id is carried both as a container env override and a task tag so
// lifecycle events can always be traced back to their session.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	env := []ecstypes.KeyValuePair{
		{Name: aws.String("SESSION_ID"), Value: aws.String(spec.SessionID)},
		{Name: aws.String("PROJECT_ID"), Value: aws.String(spec.ProjectID)},
		{Name: aws.String("SESSION_TOKEN"), Value: aws.String(spec.SessionToken)},
		{Name: aws.String("KEEP_ALIVE"), Value: aws.String(strconv.FormatBool(spec.KeepAlive))},
		{Name: aws.String("SESSION_EXPIRES_AT"), Value: aws.String(strconv.FormatInt(spec.ExpiresAt, 10))},
	}
	if spec.ContextProfileURL != "" {
		env = append(env, ecstypes.KeyValuePair{
			Name:  aws.String("CONTEXT_PROFILE_URL"),
			Value: aws.String(spec.ContextProfileURL),
		})
	}

	assign := ecstypes.AssignPublicIpDisabled
	if l.cfg.AssignPublicIP {
		assign = ecstypes.AssignPublicIpEnabled
	}

	out, err := l.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(l.cfg.Cluster),
		TaskDefinition: aws.String(l.cfg.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        l.cfg.Subnets,
				SecurityGroups: l.cfg.SecurityGroups,
				AssignPublicIp: assign,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name:        aws.String(containerName),
				Environment: env,
			}},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String("sessionId"), Value: aws.String(spec.SessionID)},
			{Key: aws.String("projectId"), Value: aws.String(spec.ProjectID)},
		},
	})
	if err != nil {
		return "", errdefs.Transient("ecs.RunTask", err)
	}
	if len(out.Tasks) == 0 {
		reason := "no task started"
		if len(out.Failures) > 0 {
			reason = aws.ToString(out.Failures[0].Reason)
		}
		return "", fmt.Errorf("run task for %s: %s", spec.SessionID, reason)
	}

	arn := aws.ToString(out.Tasks[0].TaskArn)
	l.log.WithFields(logrus.Fields{
		"sessionId": spec.SessionID,
		"taskArn":   arn,
	}).Info("task launched")
	return arn, nil
}

// Stop requests termination of a task. Missing tasks are not an error; the
// goal state is already reached.
func (l *Launcher) Stop(ctx context.Context, taskARN, reason string) error {
	_, err := l.ecs.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(l.cfg.Cluster),
		Task:    aws.String(taskARN),
		Reason:  aws.String(reason),
	})
	if err != nil {
		return errdefs.Transient("ecs.StopTask", err)
	}
	return nil
}

// ListRunning returns every running task in the cluster with the session id
// from its tags. Tasks without a sessionId tag are returned with an empty
// session id so the reconciler can treat them as unowned.
func (l *Launcher) ListRunning(ctx context.Context) ([]RunningTask, error) {
	var arns []string
	input := &ecs.ListTasksInput{
		Cluster:       aws.String(l.cfg.Cluster),
		DesiredStatus: ecstypes.DesiredStatusRunning,
	}
	for {
		out, err := l.ecs.ListTasks(ctx, input)
		if err != nil {
			return nil, errdefs.Transient("ecs.ListTasks", err)
		}
		arns = append(arns, out.TaskArns...)
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	if len(arns) == 0 {
		return nil, nil
	}

	var tasks []RunningTask
	for start := 0; start < len(arns); start += 100 {
		end := start + 100
		if end > len(arns) {
			end = len(arns)
		}
		out, err := l.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(l.cfg.Cluster),
			Tasks:   arns[start:end],
			Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
		})
		if err != nil {
			return nil, errdefs.Transient("ecs.DescribeTasks", err)
		}
		for _, task := range out.Tasks {
			rt := RunningTask{ARN: aws.ToString(task.TaskArn)}
			for _, tag := range task.Tags {
				if aws.ToString(tag.Key) == "sessionId" {
					rt.SessionID = aws.ToString(tag.Value)
				}
			}
			tasks = append(tasks, rt)
		}
	}
	return tasks, nil
}

// PublicIP resolves an ENI to its public IP, falling back to the private IP
// for deployments that front tasks with internal load balancers.
func (l *Launcher) PublicIP(ctx context.Context, eniID string) (string, error) {
	out, err := l.ec2.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: []string{eniID},
	})
	if err != nil {
		return "", errdefs.Transient("ec2.DescribeNetworkInterfaces", err)
	}
	if len(out.NetworkInterfaces) == 0 {
		return "", fmt.Errorf("eni %s not found", eniID)
	}

	eni := out.NetworkInterfaces[0]
	if eni.Association != nil && aws.ToString(eni.Association.PublicIp) != "" {
		return aws.ToString(eni.Association.PublicIp), nil
	}
	if ip := aws.ToString(eni.PrivateIpAddress); ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("eni %s has no address", eniID)
}

// TaskENI finds the ENI attached to a task, for events that arrive without
// attachment details.
func (l *Launcher) TaskENI(ctx context.Context, taskARN string) (string, error) {
	out, err := l.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(l.cfg.Cluster),
		Tasks:   []string{taskARN},
	})
	if err != nil {
		return "", errdefs.Transient("ecs.DescribeTasks", err)
	}
	if len(out.Tasks) == 0 {
		return "", fmt.Errorf("task %s not found", taskARN)
	}
	for _, att := range out.Tasks[0].Attachments {
		if aws.ToString(att.Type) != "ElasticNetworkInterface" {
			continue
		}
		for _, detail := range att.Details {
			if aws.ToString(detail.Name) == "networkInterfaceId" {
				return aws.ToString(detail.Value), nil
			}
		}
	}
	return "", fmt.Errorf("task %s has no eni attachment", taskARN)
}

// TaskSessionID reads the sessionId tag off a task, the fallback for events
// that arrive without container overrides.
func (l *Launcher) TaskSessionID(ctx context.Context, taskARN string) (string, error) {
	out, err := l.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(l.cfg.Cluster),
		Tasks:   []string{taskARN},
		Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
	})
	if err != nil {
		return "", errdefs.Transient("ecs.DescribeTasks", err)
	}
	if len(out.Tasks) == 0 {
		return "", fmt.Errorf("task %s not found", taskARN)
	}
	for _, tag := range out.Tasks[0].Tags {
		if aws.ToString(tag.Key) == "sessionId" {
			return aws.ToString(tag.Value), nil
		}
	}
	return "", fmt.Errorf("task %s has no sessionId tag", taskARN)
}

package platform

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeECS struct {
	runIn   *ecs.RunTaskInput
	runOut  *ecs.RunTaskOutput
	stopIn  *ecs.StopTaskInput
	listOut []*ecs.ListTasksOutput
	descIn  []*ecs.DescribeTasksInput
	descOut []*ecs.DescribeTasksOutput
}

func (f *fakeECS) RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	f.runIn = params
	return f.runOut, nil
}

func (f *fakeECS) StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	f.stopIn = params
	return &ecs.StopTaskOutput{}, nil
}

func (f *fakeECS) ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	out := f.listOut[0]
	f.listOut = f.listOut[1:]
	return out, nil
}

func (f *fakeECS) DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	f.descIn = append(f.descIn, params)
	out := f.descOut[0]
	f.descOut = f.descOut[1:]
	return out, nil
}

type fakeEC2 struct {
	out *ec2.DescribeNetworkInterfacesOutput
}

func (f *fakeEC2) DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	return f.out, nil
}

func testLauncher(fecs *fakeECS, fec2 *fakeEC2) *Launcher {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(fecs, fec2, LaunchConfig{
		Cluster:        "wallcrawler",
		TaskDefinition: "wallcrawler-browser:3",
		Subnets:        []string{"subnet-a"},
		SecurityGroups: []string{"sg-1"},
		AssignPublicIP: true,
	}, log.WithField("component", "platform"))
}

func envValue(env []ecstypes.KeyValuePair, name string) string {
	for _, kv := range env {
		if aws.ToString(kv.Name) == name {
			return aws.ToString(kv.Value)
		}
	}
	return ""
}

func TestLaunch(t *testing.T) {
	fecs := &fakeECS{runOut: &ecs.RunTaskOutput{
		Tasks: []ecstypes.Task{{TaskArn: aws.String("arn:aws:ecs:task/1")}},
	}}
	l := testLauncher(fecs, &fakeEC2{})

	arn, err := l.Launch(context.Background(), LaunchSpec{
		SessionID:         "sess_abc",
		ProjectID:         "proj_1",
		SessionToken:      "jwt",
		KeepAlive:         true,
		ExpiresAt:         1787056800,
		ContextProfileURL: "https://bucket/profile.tar.gz",
	})
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:ecs:task/1", arn)

	in := fecs.runIn
	assert.Equal(t, "wallcrawler", aws.ToString(in.Cluster))
	assert.Equal(t, ecstypes.LaunchTypeFargate, in.LaunchType)
	assert.Equal(t, ecstypes.AssignPublicIpEnabled, in.NetworkConfiguration.AwsvpcConfiguration.AssignPublicIp)

	require.Len(t, in.Overrides.ContainerOverrides, 1)
	env := in.Overrides.ContainerOverrides[0].Environment
	assert.Equal(t, "sess_abc", envValue(env, "SESSION_ID"))
	assert.Equal(t, "proj_1", envValue(env, "PROJECT_ID"))
	assert.Equal(t, "jwt", envValue(env, "SESSION_TOKEN"))
	assert.Equal(t, "true", envValue(env, "KEEP_ALIVE"))
	assert.Equal(t, "1787056800", envValue(env, "SESSION_EXPIRES_AT"))
	assert.Equal(t, "https://bucket/profile.tar.gz", envValue(env, "CONTEXT_PROFILE_URL"))

	var tagged bool
	for _, tag := range in.Tags {
		if aws.ToString(tag.Key) == "sessionId" && aws.ToString(tag.Value) == "sess_abc" {
			tagged = true
		}
	}
	assert.True(t, tagged, "task must carry the sessionId tag")
}

func TestLaunchFailure(t *testing.T) {
	fecs := &fakeECS{runOut: &ecs.RunTaskOutput{
		Failures: []ecstypes.Failure{{Reason: aws.String("RESOURCE:MEMORY")}},
	}}
	l := testLauncher(fecs, &fakeEC2{})

	_, err := l.Launch(context.Background(), LaunchSpec{SessionID: "sess_abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESOURCE:MEMORY")
}

func TestStop(t *testing.T) {
	fecs := &fakeECS{}
	l := testLauncher(fecs, &fakeEC2{})

	require.NoError(t, l.Stop(context.Background(), "arn:aws:ecs:task/1", "session released"))
	assert.Equal(t, "arn:aws:ecs:task/1", aws.ToString(fecs.stopIn.Task))
	assert.Equal(t, "session released", aws.ToString(fecs.stopIn.Reason))
}

func TestListRunning(t *testing.T) {
	fecs := &fakeECS{
		listOut: []*ecs.ListTasksOutput{
			{TaskArns: []string{"arn:task/1"}, NextToken: aws.String("page2")},
			{TaskArns: []string{"arn:task/2"}},
		},
		descOut: []*ecs.DescribeTasksOutput{{
			Tasks: []ecstypes.Task{
				{
					TaskArn: aws.String("arn:task/1"),
					Tags:    []ecstypes.Tag{{Key: aws.String("sessionId"), Value: aws.String("sess_a")}},
				},
				{TaskArn: aws.String("arn:task/2")},
			},
		}},
	}
	l := testLauncher(fecs, &fakeEC2{})

	tasks, err := l.ListRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "sess_a", tasks[0].SessionID)
	assert.Empty(t, tasks[1].SessionID, "untagged tasks surface with no session id")
}

func TestPublicIPPrefersPublic(t *testing.T) {
	fec2 := &fakeEC2{out: &ec2.DescribeNetworkInterfacesOutput{
		NetworkInterfaces: []ec2types.NetworkInterface{{
			Association:      &ec2types.NetworkInterfaceAssociation{PublicIp: aws.String("3.91.12.7")},
			PrivateIpAddress: aws.String("10.0.1.5"),
		}},
	}}
	l := testLauncher(&fakeECS{}, fec2)

	ip, err := l.PublicIP(context.Background(), "eni-1")
	require.NoError(t, err)
	assert.Equal(t, "3.91.12.7", ip)
}

func TestPublicIPFallsBackToPrivate(t *testing.T) {
	fec2 := &fakeEC2{out: &ec2.DescribeNetworkInterfacesOutput{
		NetworkInterfaces: []ec2types.NetworkInterface{{
			PrivateIpAddress: aws.String("10.0.1.5"),
		}},
	}}
	l := testLauncher(&fakeECS{}, fec2)

	ip, err := l.PublicIP(context.Background(), "eni-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.5", ip)
}

func TestTaskENI(t *testing.T) {
	fecs := &fakeECS{descOut: []*ecs.DescribeTasksOutput{{
		Tasks: []ecstypes.Task{{
			TaskArn: aws.String("arn:task/1"),
			Attachments: []ecstypes.Attachment{{
				Type: aws.String("ElasticNetworkInterface"),
				Details: []ecstypes.KeyValuePair{
					{Name: aws.String("subnetId"), Value: aws.String("subnet-a")},
					{Name: aws.String("networkInterfaceId"), Value: aws.String("eni-42")},
				},
			}},
		}},
	}}}
	l := testLauncher(fecs, &fakeEC2{})

	eni, err := l.TaskENI(context.Background(), "arn:task/1")
	require.NoError(t, err)
	assert.Equal(t, "eni-42", eni)
}

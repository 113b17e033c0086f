// Package credentials issues the scoped, short-lived credential a session's
// commands run under. The provisioning side is an external collaborator; the
// gateway only consumes the Source contract.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var ErrNotFound = errors.New("no credential for session")

// Scoped is region plus short-lived key material. Key material may be empty
// when the source is mocked; the sandbox then runs with no cloud identity.
type Scoped struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// Env renders the credential as environment variables for a child process.
// Only identity/region material is included; callers must never log it.
func (s Scoped) Env() []string {
	env := []string{
		"AWS_REGION=" + s.Region,
		"AWS_DEFAULT_REGION=" + s.Region,
	}
	if s.AccessKeyID != "" {
		env = append(env,
			"AWS_ACCESS_KEY_ID="+s.AccessKeyID,
			"AWS_SECRET_ACCESS_KEY="+s.SecretAccessKey,
		)
		if s.SessionToken != "" {
			env = append(env, "AWS_SESSION_TOKEN="+s.SessionToken)
		}
	}
	return env
}

// Source issues a scoped credential for a session id.
type Source interface {
	Issue(ctx context.Context, sessionID string) (Scoped, error)
}

// StaticSource returns a fixed (possibly empty) credential. Used in
// development and tests where no cloud account is attached.
type StaticSource struct {
	Credential Scoped
}

func (s StaticSource) Issue(ctx context.Context, sessionID string) (Scoped, error) {
	return s.Credential, nil
}

// STSSource mints per-session credentials by assuming a role. The role
// session name carries the session id so cloud audit logs tie activity back
// to a session.
type STSSource struct {
	client   *sts.Client
	roleARN  string
	region   string
	duration time.Duration
}

func NewSTSSource(ctx context.Context, roleARN, region string, duration time.Duration) (*STSSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &STSSource{
		client:   sts.NewFromConfig(cfg),
		roleARN:  roleARN,
		region:   region,
		duration: duration,
	}, nil
}

func (s *STSSource) Issue(ctx context.Context, sessionID string) (Scoped, error) {
	out, err := s.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(s.roleARN),
		RoleSessionName: aws.String("termgate-" + sessionID),
		DurationSeconds: aws.Int32(int32(s.duration / time.Second)),
	})
	if err != nil {
		return Scoped{}, fmt.Errorf("assume role for session %s: %w", sessionID, err)
	}
	c := out.Credentials
	return Scoped{
		Region:          s.region,
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expires:         aws.ToTime(c.Expiration),
	}, nil
}

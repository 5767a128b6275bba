package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockInvoker calls a model through the Bedrock Converse API.
type BedrockInvoker struct {
	model     string
	maxTokens int32
	client    bedrockConverseAPI
}

func NewBedrockInvoker(ctx context.Context, region, model string) (*BedrockInvoker, error) {
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockInvokerWithClient(model, bedrockruntime.NewFromConfig(awsCfg)), nil
}

func newBedrockInvokerWithClient(model string, client bedrockConverseAPI) *BedrockInvoker {
	return &BedrockInvoker{model: model, maxTokens: 2048, client: client}
}

func (b *BedrockInvoker) Name() string { return "bedrock" }

func (b *BedrockInvoker) Invoke(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(b.maxTokens),
			Temperature: aws.Float32(0),
		},
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		},
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.UserPrompt}},
		}},
	}

	out, err := b.client.Converse(ctx, input)
	if err != nil {
		return "", classifyBedrockError(err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", classify.Errorf(domain.CategoryInternal, "bedrock returned no message")
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	content := strings.TrimSpace(sb.String())
	if content == "" {
		return "", classify.Errorf(domain.CategoryInternal, "bedrock returned empty content")
	}
	return content, nil
}

func classifyBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return classify.Wrap(domain.CategoryThrottle, "bedrock", err)
		case "AccessDeniedException", "UnrecognizedClientException":
			return classify.Wrap(domain.CategoryAccessDenied, "bedrock", err)
		case "ValidationException", "ResourceNotFoundException":
			return classify.Wrap(domain.CategoryInvalidInput, "bedrock", err)
		case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException", "ModelTimeoutException":
			return classify.Wrap(domain.CategoryTransient, "bedrock", err)
		}
	}
	return fmt.Errorf("bedrock: %w", err)
}

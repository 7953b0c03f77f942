package executor

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/pkg/wire"
)

// deployOutputTail bounds the output shipped back in a deploy-result.
const deployOutputTail = 4000

func (e *Executor) handleDeploy(req wire.DeployRequest) {
	log := e.logger.WithFields(zap.String("request_id", req.RequestID))
	log.Info("Deploy requested", zap.String("path", req.LocalPath))

	ctx, cancel := context.WithTimeout(context.Background(), e.deployCfg.Timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", e.deployCfg.Command)
	cmd.Dir = req.LocalPath
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out, err := cmd.CombinedOutput()
	output := string(out)
	if len(output) > deployOutputTail {
		output = output[len(output)-deployOutputTail:]
	}

	result := wire.DeployResult{
		RequestID: req.RequestID,
		Success:   err == nil,
		Output:    output,
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Output = output + "\n(deploy timed out)"
		}
		log.Warn("Deploy failed", zap.Error(err))
	} else {
		log.Info("Deploy succeeded")
	}
	e.send(wire.FrameDeployResult, result)
}

func (e *Executor) handlePathValidate(req wire.PathValidateRequest) {
	log := e.logger.WithFields(zap.String("request_id", req.RequestID))
	result := wire.PathValidateResult{RequestID: req.RequestID}

	info, err := os.Stat(req.Path)
	switch {
	case err == nil && info.IsDir():
		result.Success = true
		result.Exists = true
	case err == nil:
		result.Error = "path exists but is not a directory"
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(req.Path, 0o755); mkErr != nil {
			result.Error = mkErr.Error()
		} else {
			result.Success = true
			result.Created = true
		}
	default:
		result.Error = err.Error()
	}

	log.Info("Path validated",
		zap.String("path", req.Path),
		zap.Bool("exists", result.Exists),
		zap.Bool("created", result.Created))
	e.send(wire.FramePathValidateResult, result)
}

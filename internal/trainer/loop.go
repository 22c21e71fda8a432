package trainer

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"

	"cifar-forge/internal/config"
	"cifar-forge/internal/dataset"
	"cifar-forge/internal/metrics"
	"cifar-forge/internal/model"
	"cifar-forge/internal/nn"
	"cifar-forge/internal/optim"
)

// Fit trains st.Model for the remaining epochs of st.Options.Epochs.
func Fit(ctx context.Context, st *State, loader *dataset.Loader) ([]EpochSummary, error) {
	var history []EpochSummary
	var window metrics.Window
	for st.Epoch < st.Options.Epochs {
		sum, err := runEpoch(ctx, st, loader, &window)
		if err != nil {
			return history, err
		}
		st.Epoch++
		log.Printf("Epoch: %d, Loss: %.6f", sum.Epoch, sum.Loss)
		log.Printf("Epoch %d: lr %.8g -> %.8g", sum.Epoch, sum.LRBefore, sum.LRAfter)
		history = append(history, sum)
	}
	return history, nil
}

func runEpoch(ctx context.Context, st *State, loader *dataset.Loader, window *metrics.Window) (EpochSummary, error) {
	epoch := st.Epoch + 1
	sum := EpochSummary{Epoch: epoch}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := loader.Epoch(ctx, epoch)

	var loss metrics.Mean
	for {
		startData := time.Now()
		batch, ok := <-batches
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		lr := st.Scheduler.LR(st.Step)
		l, err := trainStep(st, batch, lr)
		if err != nil {
			return sum, errors.Wrapf(err, "epoch %d step %d", epoch, st.Step)
		}
		computeTime := time.Since(startCompute)

		st.Step++
		sum.LRBefore = lr
		loss.Add(l)
		window.Record(batch.Len(), dataTime, computeTime, l)

		if st.Step%st.Options.LogEvery == 0 {
			snap := window.Snapshot()
			log.Printf("step=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
				st.Step,
				snap.ImagesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.LastLoss,
			)
		}
	}
	if err := <-errs; err != nil {
		return sum, err
	}
	if loss.Count() == 0 {
		return sum, errors.Errorf("epoch %d: loader produced no batches", epoch)
	}
	sum.Loss = loss.Value()
	sum.LRAfter = st.Scheduler.LR(st.Step)
	return sum, nil
}

// trainStep performs forward, loss, backward, clipping and one SGD update.
func trainStep(st *State, batch dataset.Batch, lr float64) (float64, error) {
	logits, err := st.Model.Forward(batch.Images, nn.Train)
	if err != nil {
		return 0, err
	}
	loss, grad, err := nn.SoftmaxCrossEntropy(logits, batch.Labels)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, errors.Wrapf(ErrDiverged, "loss is %v", loss)
	}

	st.Optimizer.ZeroGrad()
	if _, err := st.Model.Backward(grad); err != nil {
		return 0, err
	}
	if err := optim.ClipGradValue(st.Optimizer.Params(), st.Options.GradClip); err != nil {
		if errors.Is(err, optim.ErrNonFinite) {
			return 0, &divergedError{cause: err}
		}
		return 0, err
	}
	st.Optimizer.Step(lr)
	return loss, nil
}

// Evaluate runs m in inference mode over one pass of loader and counts
// arg-max hits overall and per class.
func Evaluate(ctx context.Context, m model.Model, loader *dataset.Loader) (*metrics.Accuracy, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := loader.Epoch(ctx, 0)

	acc := metrics.NewAccuracy(dataset.NumClasses)
	for batch := range batches {
		logits, err := m.Forward(batch.Images, nn.Eval)
		if err != nil {
			return nil, err
		}
		if err := acc.Update(nn.Argmax(logits), batch.Labels); err != nil {
			return nil, err
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return acc, nil
}

// RunConfig captures the knobs required by a full train and evaluate run.
type RunConfig struct {
	Train, Test *dataset.Split

	Epochs         int
	BatchSize      int
	Schedule       string
	MaxLR          float64
	BaseLR         float64
	PctStart       float64
	DivFactor      float64
	FinalDivFactor float64
	Momentum       float64
	WeightDecay    float64
	GradClip       float64

	ResidualDropout float64
	HeadDropout     float64

	NumWorkers int
	Prefetch   int
	Seed       int64
	LogEvery   int

	// Model replaces the residual network when set.
	Model model.Model
	// Out receives the final accuracy reports; defaults to stdout.
	Out io.Writer
}

// Result holds the outcome of Run.
type Result struct {
	History []EpochSummary
	Train   *metrics.Accuracy
	Test    *metrics.Accuracy
}

// Run normalizes the data, trains for cfg.Epochs and evaluates on both splits.
func Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if cfg.Train == nil || cfg.Test == nil {
		return nil, errors.New("trainer: train and test splits are required")
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	stats, err := dataset.ComputeStats(cfg.Train)
	if err != nil {
		return nil, err
	}
	log.Printf("normalization mean=%.4f std=%.4f", stats.Mean, stats.Std)

	trainLoader, err := dataset.NewLoader(cfg.Train, stats, dataset.LoaderOptions{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Augment:   true,
		Seed:      cfg.Seed,
		Prefetch:  cfg.Prefetch,
	})
	if err != nil {
		return nil, err
	}
	trainEval, err := dataset.NewLoader(cfg.Train, stats, dataset.LoaderOptions{BatchSize: cfg.BatchSize, Prefetch: cfg.Prefetch})
	if err != nil {
		return nil, err
	}
	testLoader, err := dataset.NewLoader(cfg.Test, stats, dataset.LoaderOptions{BatchSize: cfg.BatchSize, Prefetch: cfg.Prefetch})
	if err != nil {
		return nil, err
	}

	mdl := cfg.Model
	if mdl == nil {
		net, err := model.NewResNet9(model.Config{
			NumClasses:      dataset.NumClasses,
			ResidualDropout: cfg.ResidualDropout,
			HeadDropout:     cfg.HeadDropout,
			Workers:         cfg.NumWorkers,
			Seed:            cfg.Seed,
		})
		if err != nil {
			return nil, err
		}
		mdl = net
	}

	totalSteps := cfg.Epochs * trainLoader.Len()
	sched, err := newScheduler(cfg, totalSteps)
	if err != nil {
		return nil, err
	}
	st, err := NewState(mdl, sched, Options{
		Epochs:      cfg.Epochs,
		Momentum:    cfg.Momentum,
		WeightDecay: cfg.WeightDecay,
		GradClip:    cfg.GradClip,
		LogEvery:    cfg.LogEvery,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("train=%d test=%d params=%d batches_per_epoch=%d total_steps=%d schedule=%s",
		cfg.Train.Len(), cfg.Test.Len(), nn.CountParams(mdl.Params()), trainLoader.Len(), totalSteps, sched.Name())

	history, err := Fit(ctx, st, trainLoader)
	if err != nil {
		return nil, err
	}

	res := &Result{History: history}
	if res.Train, err = Evaluate(ctx, mdl, trainEval); err != nil {
		return nil, err
	}
	if res.Test, err = Evaluate(ctx, mdl, testLoader); err != nil {
		return nil, err
	}

	writeReport(cfg.Out, res)
	return res, nil
}

func newScheduler(cfg RunConfig, totalSteps int) (optim.Scheduler, error) {
	switch cfg.Schedule {
	case config.ScheduleConstant:
		if cfg.BaseLR <= 0 {
			return nil, errors.Errorf("trainer: base lr must be > 0 (got %v)", cfg.BaseLR)
		}
		return optim.Constant{Rate: cfg.BaseLR}, nil
	case config.ScheduleOneCycle, "":
		sched, err := optim.NewOneCycle(optim.OneCycleConfig{
			MaxLR:          cfg.MaxLR,
			TotalSteps:     totalSteps,
			PctStart:       cfg.PctStart,
			DivFactor:      cfg.DivFactor,
			FinalDivFactor: cfg.FinalDivFactor,
		})
		if err != nil {
			return nil, err
		}
		return sched, nil
	default:
		return nil, errors.Errorf("trainer: unknown schedule %q", cfg.Schedule)
	}
}

func writeReport(w io.Writer, res *Result) {
	fmt.Fprintf(w, "Accuracy of the network on the %d train images: %.2f %%\n", res.Train.Total(), res.Train.Percent())
	fmt.Fprintf(w, "Accuracy of the network on the %d test images: %.2f %%\n", res.Test.Total(), res.Test.Percent())
	io.WriteString(w, res.Test.Report(dataset.ClassNames))
}

package calib

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// evalPerturbed evaluates an edge residual with one tangent coordinate of one
// block perturbed through the block's retraction. The problem is restored
// before returning.
func evalPerturbed(pr *problem, e edge, block, k int, h float64) ([]float64, error) {
	if block < len(pr.states) {
		saved := pr.states[block]
		d := make([]float64, stateDim)
		d[k] = h
		pr.states[block] = retractState(saved, d)
		res, err := e.residual(pr)
		pr.states[block] = saved
		return res, err
	}
	saved := pr.calib
	d := make([]float64, pr.calibDim())
	d[k] = h
	pr.calib = retractCalib(saved, d, pr.estToff)
	res, err := e.residual(pr)
	pr.calib = saved
	return res, err
}

// edgeJacobian returns the whitened residual and its central-difference
// Jacobian over the edge's blocks, columns ordered as blocks() concatenated.
func edgeJacobian(pr *problem, e edge, h float64) ([]float64, *mat.Dense, error) {
	res, err := e.residual(pr)
	if err != nil {
		return nil, nil, err
	}
	cols := 0
	for _, b := range e.blocks() {
		cols += pr.blockDim(b)
	}
	jac := mat.NewDense(e.dim(), cols, nil)
	col := 0
	for _, b := range e.blocks() {
		for k := 0; k < pr.blockDim(b); k++ {
			plus, err := evalPerturbed(pr, e, b, k, h)
			if err != nil {
				return nil, nil, err
			}
			minus, err := evalPerturbed(pr, e, b, k, -h)
			if err != nil {
				return nil, nil, err
			}
			for r := range plus {
				jac.Set(r, col, (plus[r]-minus[r])/(2*h))
			}
			col++
		}
	}
	return res, jac, nil
}

// assemble linearizes every edge at the current estimate and accumulates the
// Gauss-Newton normal equations H = J^T J and gradient g = J^T r, along with
// the total cost r^T r.
func assemble(pr *problem, edges []edge, h float64) (*mat.SymDense, []float64, float64, error) {
	n := pr.dim()
	hm := mat.NewDense(n, n, nil)
	grad := make([]float64, n)
	var cost float64

	for _, e := range edges {
		res, jac, err := edgeJacobian(pr, e, h)
		if err != nil {
			return nil, nil, 0, err
		}
		for _, v := range res {
			cost += v * v
		}
		// global column indices for this edge's Jacobian columns
		gcols := make([]int, 0, 2*stateDim+9)
		for _, b := range e.blocks() {
			off := pr.blockOffset(b)
			for k := 0; k < pr.blockDim(b); k++ {
				gcols = append(gcols, off+k)
			}
		}
		for c1, g1 := range gcols {
			var gr float64
			for r := range res {
				gr += jac.At(r, c1) * res[r]
			}
			grad[g1] += gr
			for c2, g2 := range gcols {
				var s float64
				for r := 0; r < e.dim(); r++ {
					s += jac.At(r, c1) * jac.At(r, c2)
				}
				hm.Set(g1, g2, hm.At(g1, g2)+s)
			}
		}
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(hm.At(i, j)+hm.At(j, i)))
		}
	}
	return sym, grad, cost, nil
}

// evalCost sums the squared whitened residuals at the given estimate.
func evalCost(pr *problem, edges []edge) (float64, error) {
	var cost float64
	for _, e := range edges {
		res, err := e.residual(pr)
		if err != nil {
			return 0, err
		}
		for _, v := range res {
			cost += v * v
		}
	}
	return cost, nil
}

// lmOutcome carries the optimizer diagnostics back to the solver.
type lmOutcome struct {
	status      Status
	initialCost float64
	finalCost   float64
	iterations  int
	hessian     *mat.SymDense
}

// solveLM runs the damped trust-region iteration until convergence, the
// iteration cap, or a numerical failure. The problem is updated in place with
// the best estimate found.
func solveLM(ctx context.Context, pr *problem, edges []edge, cfg Config, logger golog.Logger) (*lmOutcome, error) {
	cost, err := evalCost(pr, edges)
	if err != nil {
		return nil, err
	}
	out := &lmOutcome{status: StatusNotConverged, initialCost: cost, finalCost: cost}
	lambda := cfg.InitialLambda

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.iterations = iter

		hess, grad, curCost, err := assemble(pr, edges, cfg.JacobianStep)
		if err != nil {
			return nil, err
		}
		cost = curCost
		out.finalCost = cost
		out.hessian = hess

		if infNorm(grad) < cfg.GradientTol {
			out.status = StatusSolved
			break
		}

		accepted := false
		for lambda <= maxLambda {
			step, ok := dampedSolve(hess, grad, lambda)
			if !ok {
				lambda *= 10
				continue
			}
			cand := pr.clone()
			cand.applyStep(step)
			newCost, err := evalCost(cand, edges)
			if err != nil {
				return nil, err
			}
			if newCost < cost {
				relDec := (cost - newCost) / math.Max(cost, 1e-300)
				*pr = *cand
				lambda = math.Max(lambda/3, minLambda)
				accepted = true
				logger.Debugw("iteration accepted",
					"iter", iter, "cost", newCost, "decrease", relDec, "lambda", lambda)
				out.finalCost = newCost
				if relDec < cfg.RelativeCostTol || infNorm(step) < 1e-14 {
					out.status = StatusSolved
				}
				break
			}
			lambda *= 10
		}

		if !accepted {
			// no descent direction even at maximum damping: either we are at
			// a stationary point or the linearization is degenerate
			if infNorm(grad) < cfg.GradientTol*100 {
				out.status = StatusSolved
				break
			}
			return nil, errors.Wrapf(ErrNumericalFailure,
				"no acceptable step at iteration %d (gradient %.3e)", iter, infNorm(grad))
		}
		if out.status == StatusSolved {
			// re-linearize once more so the reported Hessian matches the
			// final estimate
			hess, _, finalCost, err := assemble(pr, edges, cfg.JacobianStep)
			if err == nil {
				out.hessian = hess
				out.finalCost = finalCost
			}
			break
		}
	}
	return out, nil
}

// dampedSolve solves (H + lambda*diag(H)) step = -grad, reporting ok=false
// when the damped system cannot be factorized.
func dampedSolve(hess *mat.SymDense, grad []float64, lambda float64) ([]float64, bool) {
	n := len(grad)
	damped := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			damped.SetSym(i, j, hess.At(i, j))
		}
		d := hess.At(i, i)
		if d < 1e-12 {
			d = 1e-12
		}
		damped.SetSym(i, i, hess.At(i, i)+lambda*d)
	}
	var ch mat.Cholesky
	if !ch.Factorize(damped) {
		return nil, false
	}
	neg := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		neg.SetVec(i, -grad[i])
	}
	step := mat.NewVecDense(n, nil)
	if err := ch.SolveVecTo(step, neg); err != nil {
		return nil, false
	}
	out := make([]float64, n)
	copy(out, step.RawVector().Data)
	return out, true
}

// marginalCovariance inverts the undamped Hessian and extracts the square
// block starting at offset. Returns nil when the Hessian is not invertible.
func marginalCovariance(hess *mat.SymDense, offset, dim int, logger golog.Logger) *mat.SymDense {
	var ch mat.Cholesky
	if !ch.Factorize(hess) {
		logger.Warnw("hessian not invertible, skipping marginal covariance")
		return nil
	}
	var inv mat.SymDense
	if err := ch.InverseTo(&inv); err != nil {
		logger.Warnw("hessian inversion failed", "error", err)
		return nil
	}
	out := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			out.SetSym(i, j, inv.At(offset+i, offset+j))
		}
	}
	return out
}

func infNorm(v []float64) float64 {
	var m float64
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}

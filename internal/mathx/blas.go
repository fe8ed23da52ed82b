package mathx

import (
	"os"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/casys-ai/toolmind/internal/logger"
)

// The BLAS backend is opened once per process. A failed init is non-fatal:
// the scalar kernels serve everything.
var (
	blasInitOnce sync.Once
	blasActive   atomic.Bool
)

// InitBLAS opens the BLAS backend unless TOOLMIND_NO_BLAS is set. Safe to
// call from multiple packages; only the first call does work.
func InitBLAS() {
	blasInitOnce.Do(func() {
		if os.Getenv("TOOLMIND_NO_BLAS") != "" {
			logger.Info("blas backend disabled by env, using scalar kernels")
			return
		}
		blasActive.Store(true)
	})
}

// DisableBLAS forces the scalar path. Used by the scalar/BLAS agreement
// tests and the scalar-path determinism tests.
func DisableBLAS() { blasActive.Store(false) }

// EnableBLAS re-enables the backend after DisableBLAS.
func EnableBLAS() { blasActive.Store(true) }

func blasEnabled() bool { return blasActive.Load() }

func general(m *Dense) blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: m.Data}
}

func vector(v []float32) blas32.Vector {
	return blas32.Vector{N: len(v), Inc: 1, Data: v}
}

// blasGemm computes out = a·b (or a·bᵀ when transB).
func blasGemm(transB bool, a, b, out *Dense) {
	tb := blas.NoTrans
	if transB {
		tb = blas.Trans
	}
	blas32.Gemm(blas.NoTrans, tb, 1, general(a), general(b), 0, general(out))
}

// blasGemv computes out = a·x (or aᵀ·x when trans).
func blasGemv(trans bool, a *Dense, x, out []float32) {
	t := blas.NoTrans
	if trans {
		t = blas.Trans
	}
	blas32.Gemv(t, 1, general(a), vector(x), 0, vector(out))
}

// blasGer computes a += alpha·x·yᵀ.
func blasGer(a *Dense, x, y []float32, alpha float32) {
	blas32.Ger(alpha, vector(x), vector(y), general(a))
}

package rob_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2sim/timing/dyninst"
	"github.com/sarchlab/m2sim/timing/rob"
)

func TestROB(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ROB Suite")
}

var _ = Describe("ROB", func() {
	var r *rob.ROB
	const tid = dyninst.ThreadID(0)

	BeforeEach(func() {
		r = rob.New(4, 2)
	})

	It("rejects insertion once capacity is reached", func() {
		for i := 0; i < 4; i++ {
			Expect(r.Insert(dyninst.New(uint64(i), tid, 0))).NotTo(HaveOccurred())
		}
		Expect(r.Insert(dyninst.New(99, tid, 0))).To(MatchError(rob.ErrFull))
	})

	It("retires in FIFO order", func() {
		a := dyninst.New(1, tid, 0)
		b := dyninst.New(2, tid, 0)
		Expect(r.Insert(a)).NotTo(HaveOccurred())
		Expect(r.Insert(b)).NotTo(HaveOccurred())

		a.SetCanCommit(true)
		Expect(r.IsHeadReady(tid)).To(BeTrue())
		got := r.RetireHead(tid)
		Expect(got).To(BeIdenticalTo(a))
		Expect(got.Committed()).To(BeTrue())
		Expect(r.ReadHead(tid)).To(BeIdenticalTo(b))
	})

	It("is not head-ready when the head cannot commit", func() {
		a := dyninst.New(1, tid, 0)
		Expect(r.Insert(a)).NotTo(HaveOccurred())
		Expect(r.IsHeadReady(tid)).To(BeFalse())
	})

	It("squashes younger instructions bounded by squashWidth per cycle", func() {
		for i := uint64(1); i <= 4; i++ {
			Expect(r.Insert(dyninst.New(i, tid, 0))).NotTo(HaveOccurred())
		}
		r.Squash(1, tid) // keep seq 1, discard 2,3,4

		r.DoSquash(tid) // squashWidth=2: removes seq 4 and 3
		Expect(r.IsDoneSquashing(tid)).To(BeFalse())
		Expect(r.CountInsts(tid)).To(Equal(2))

		r.DoSquash(tid) // removes seq 2, reaches target
		Expect(r.IsDoneSquashing(tid)).To(BeTrue())
		Expect(r.CountInsts(tid)).To(Equal(1))
		Expect(r.ReadHead(tid).SeqNum).To(Equal(uint64(1)))
	})

	It("finds an instruction by sequence number", func() {
		a := dyninst.New(7, tid, 0)
		Expect(r.Insert(a)).NotTo(HaveOccurred())
		Expect(r.FindInst(tid, 7)).To(BeIdenticalTo(a))
		Expect(r.FindInst(tid, 8)).To(BeNil())
	})
})

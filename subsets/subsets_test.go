package subsets

import (
	"testing"

	"github.com/matryer/is"
)

func TestKeyOrderIndependent(t *testing.T) {
	is := is.New(t)
	a := NewSet(10)
	a.Add(7)
	a.Add(2)
	a.Add(5)
	b := NewSet(10)
	b.Add(5)
	b.Add(7)
	b.Add(2)
	is.Equal(a.Key(), b.Key())
	is.Equal(a.Key(), "2,5,7")
	is.Equal(a.Len(), 3)
}

func TestAddRemoveContains(t *testing.T) {
	is := is.New(t)
	s := NewSet(4)
	is.Equal(s.Key(), "")
	is.Equal(s.Len(), 0)
	s.Add(3)
	is.True(s.Contains(3))
	is.True(!s.Contains(2))
	s.Remove(3)
	is.True(!s.Contains(3))
	is.Equal(s.Key(), "")
}

func TestGrowPastInitialCapacity(t *testing.T) {
	is := is.New(t)
	s := NewSet(4)
	s.Add(130)
	is.True(s.Contains(130))
	is.Equal(s.Indices(), []int{130})
}

func TestCloneIsIndependent(t *testing.T) {
	is := is.New(t)
	s := Of(1, 2, 3)
	c := s.Clone()
	c.Add(9)
	is.True(!s.Contains(9))
	is.True(c.Contains(9))
	is.Equal(s.Key(), "1,2,3")
}

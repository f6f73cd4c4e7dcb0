package stats

import "github.com/stretchr/testify/mock"

var _ StatsProvider = (*MockStatsUpdater)(nil)

// MockStatsUpdater records metric updates so tests can assert on them.
type MockStatsUpdater struct {
	mock.Mock
}

// NewMockStatsUpdater accepts any registration and update.
func NewMockStatsUpdater() *MockStatsUpdater {
	m := &MockStatsUpdater{}
	m.On("RegisterMetric", mock.Anything).Return().Maybe()
	m.On("Incr", mock.Anything).Return().Maybe()
	m.On("Decr", mock.Anything).Return().Maybe()
	return m
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}

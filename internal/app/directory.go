package app

// Directory is the read side of the dashboard registry the lifecycle engine works against.
type Directory interface {
	Get(id string) (DashboardTarget, error)
	List() []DashboardTarget
}
